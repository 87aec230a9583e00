package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	headerAddress   = "X-Wallet-Address"
	headerSignature = "X-Wallet-Signature"
	headerTimestamp = "X-Wallet-Timestamp"

	defaultMaxSkew = 5 * time.Minute
)

// AuthOptions gate mutating routes behind EIP-191 personal_sign signatures
// from an allow-listed wallet.
type AuthOptions struct {
	Enabled          bool
	AllowedAddresses []string
	MaxSkew          time.Duration
}

type ctxKey int

const walletKey ctxKey = iota

// WalletFromContext returns the authenticated signer, if any.
func WalletFromContext(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(walletKey).(common.Address)
	return addr, ok
}

// AuthMessage is the text a client signs for one request.
func AuthMessage(method, path string, unixSeconds int64) string {
	return fmt.Sprintf("candlewatch:%s:%s:%d", strings.ToUpper(method), path, unixSeconds)
}

type walletAuth struct {
	allowed map[common.Address]struct{}
	maxSkew time.Duration
	now     func() time.Time
}

func newWalletAuth(opts AuthOptions) (*walletAuth, error) {
	if len(opts.AllowedAddresses) == 0 {
		return nil, errors.New("wallet auth enabled without allowed addresses")
	}
	a := &walletAuth{
		allowed: make(map[common.Address]struct{}, len(opts.AllowedAddresses)),
		maxSkew: opts.MaxSkew,
		now:     time.Now,
	}
	if a.maxSkew <= 0 {
		a.maxSkew = defaultMaxSkew
	}
	for _, raw := range opts.AllowedAddresses {
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("invalid wallet address %q", raw)
		}
		a.allowed[common.HexToAddress(raw)] = struct{}{}
	}
	return a, nil
}

func (a *walletAuth) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, err := a.verify(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), walletKey, addr)))
	})
}

func (a *walletAuth) verify(r *http.Request) (common.Address, error) {
	claimed := r.Header.Get(headerAddress)
	rawSig := r.Header.Get(headerSignature)
	rawTS := r.Header.Get(headerTimestamp)
	if claimed == "" || rawSig == "" || rawTS == "" {
		return common.Address{}, errors.New("missing wallet signature headers")
	}
	if !common.IsHexAddress(claimed) {
		return common.Address{}, errors.New("invalid wallet address")
	}

	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return common.Address{}, errors.New("invalid timestamp")
	}
	skew := a.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > a.maxSkew {
		return common.Address{}, errors.New("signature expired")
	}

	sig, err := hexutil.Decode(rawSig)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, errors.New("invalid signature encoding")
	}
	// Wallets emit V as 27/28; SigToPub wants 0/1.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	hash := accounts.TextHash([]byte(AuthMessage(r.Method, r.URL.Path, ts)))
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, errors.New("signature recovery failed")
	}
	signer := crypto.PubkeyToAddress(*pub)
	if signer != common.HexToAddress(claimed) {
		return common.Address{}, errors.New("signature does not match address")
	}
	if _, ok := a.allowed[signer]; !ok {
		return common.Address{}, errors.New("wallet not allowed")
	}
	return signer, nil
}
