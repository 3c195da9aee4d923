package odis

import (
	"encoding/base64"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/pnp-attest/pnp-go/blinding/bls"
)

// DevService is an in-process stand-in for the signing service, used by
// tests and by `pnp serve -dev-odis`. It authenticates queries, meters a
// per-account quota and answers with a combined or partial BLS signature.
type DevService struct {
	signer *bls.Signer
	shares []*bls.ShareSigner

	mu           sync.Mutex
	defaultQuota int
	quota        map[common.Address]int
	deks         map[common.Address]common.Address
	queries      int
}

type DevOption func(*DevService)

func WithQuota(n int) DevOption {
	return func(s *DevService) { s.defaultQuota = n }
}

// WithRegisteredEncryptionKey registers dek as the data encryption key of
// account.
func WithRegisteredEncryptionKey(account, dek common.Address) DevOption {
	return func(s *DevService) { s.deks[account] = dek }
}

// WithPartialSignatures makes the service answer with one partial signature
// per share instead of a combined signature.
func WithPartialSignatures(shares []*bls.ShareSigner) DevOption {
	return func(s *DevService) { s.shares = shares }
}

func NewDevService(signer *bls.Signer, opts ...DevOption) *DevService {
	s := &DevService{
		signer:       signer,
		defaultQuota: 10,
		quota:        make(map[common.Address]int),
		deks:         make(map[common.Address]common.Address),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *DevService) RegisterRoutes(e *echo.Echo) {
	e.POST(SignPath, s.postSign, middleware.BodyLimit("4K"))
}

// Handler returns a standalone http.Handler serving the service.
func (s *DevService) Handler() http.Handler {
	e := echo.New()
	e.HideBanner = true
	s.RegisterRoutes(e)
	return e
}

// Queries is the number of signatures handed out so far.
func (s *DevService) Queries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries
}

func failure(c echo.Context, status int, code string) error {
	return c.JSON(status, SignResponse{Success: false, Error: code, Version: APIVersion})
}

func (s *DevService) postSign(c echo.Context) error {
	var req SignRequest
	if err := c.Bind(&req); err != nil {
		return failure(c, http.StatusBadRequest, "INVALID_INPUT")
	}
	if !common.IsHexAddress(req.Account) {
		return failure(c, http.StatusBadRequest, "INVALID_INPUT")
	}
	blinded, err := base64.StdEncoding.DecodeString(req.BlindedQueryPhoneNumber)
	if err != nil || len(blinded) != bls.SignatureSize {
		return failure(c, http.StatusBadRequest, "INVALID_INPUT")
	}

	account := common.HexToAddress(req.Account)
	query := &BlindedQuery{
		Method:         AuthMethod(req.AuthenticationMethod),
		Account:        account,
		BlindedMessage: blinded,
		SessionID:      req.SessionID,
	}
	if !s.authorized(query, c.Request().Header.Get(echo.HeaderAuthorization)) {
		return failure(c, http.StatusUnauthorized, "UNAUTHENTICATED_USER")
	}
	if !s.consumeQuota(account) {
		return failure(c, http.StatusForbidden, quotaErrorCode)
	}

	response, err := s.sign(blinded)
	if err != nil {
		return failure(c, http.StatusBadRequest, "INVALID_INPUT")
	}
	return c.JSON(http.StatusOK, SignResponse{
		Success:           true,
		CombinedSignature: base64.StdEncoding.EncodeToString(response),
		Version:           APIVersion,
	})
}

func (s *DevService) authorized(query *BlindedQuery, authorization string) bool {
	switch query.Method {
	case AuthWalletKey:
		return VerifyAuthorization(query, authorization, query.Account)
	case AuthEncryptionKey:
		s.mu.Lock()
		dek, ok := s.deks[query.Account]
		s.mu.Unlock()
		return ok && VerifyAuthorization(query, authorization, dek)
	default:
		return false
	}
}

func (s *DevService) consumeQuota(account common.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	remaining, ok := s.quota[account]
	if !ok {
		remaining = s.defaultQuota
	}
	if remaining <= 0 {
		return false
	}
	s.quota[account] = remaining - 1
	s.queries++
	return true
}

func (s *DevService) sign(blinded []byte) ([]byte, error) {
	if len(s.shares) == 0 {
		return s.signer.BlindSign(blinded)
	}
	partials := make(bls.PartialSignatures, 0, len(s.shares))
	for _, share := range s.shares {
		p, err := share.PartialSign(blinded)
		if err != nil {
			return nil, err
		}
		partials = append(partials, p)
	}
	return partials.Marshal(), nil
}
