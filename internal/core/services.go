package core

import (
	"github.com/rs/zerolog"

	"github.com/zenrent/hmrc-connect/internal/config"
	"github.com/zenrent/hmrc-connect/internal/crypto"
	"github.com/zenrent/hmrc-connect/internal/hmrc"
)

type Services struct {
	Verifiers   *CodeVerifierStore
	Vault       *TokenVault
	ClientData  *ClientDataService
	Headers     *HeaderAssembler
	Auth        *AuthManager
	Submissions *SubmissionEngine
	Audit       *AuthAudit
	RateLimiter *RateLimiter
}

func NewServices(db DB, cfg *config.Config, cipher *crypto.Vault, provider *hmrc.Client, logger zerolog.Logger) *Services {
	verifiers := NewCodeVerifierStore(db)
	audit := NewAuthAudit(db, logger)
	vault := NewTokenVault(db, cipher, provider, audit, logger)
	clientData := NewClientDataService(db)
	headers := NewHeaderAssembler(clientData, VendorConfig{
		Name:       cfg.VendorName,
		Product:    cfg.VendorProduct,
		Version:    cfg.VendorVersion,
		LicenseIDs: cfg.VendorLicenseIDs,
	})
	auth := NewAuthManager(verifiers, vault, headers, provider, audit, logger)

	return &Services{
		Verifiers:   verifiers,
		Vault:       vault,
		ClientData:  clientData,
		Headers:     headers,
		Auth:        auth,
		Submissions: NewSubmissionEngine(db, auth, provider, logger),
		Audit:       audit,
		RateLimiter: NewRateLimiter(cfg.ConnectRateLimit),
	}
}

// Close releases background resources held by the services.
func (s *Services) Close() {
	s.RateLimiter.Stop()
	s.Audit.Close()
}
