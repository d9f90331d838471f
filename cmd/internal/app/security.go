package app

import (
	"fmt"

	"github.com/NureBureikoNataliia/LangMate/cmd/internal/auth"
)

// newVerifier builds the caller identity resolver selected by cfg.AuthMode.
//
// Header mode trusts an upstream gateway to authenticate and set the user header; it is
// meant for development and for deployments behind such a gateway. Startup fails when
// paseto mode is selected without a usable key.
func newVerifier(cfg Config, log Logger) (auth.Verifier, error) {
	switch cfg.AuthMode {
	case AuthPaseto:
		v, err := auth.NewPasetoVerifier(auth.PasetoConfig{
			PublicKeyHex: cfg.PasetoPublicKeyHex,
			Issuer:       cfg.PasetoIssuer,
			ClockSkew:    cfg.PasetoClockSkew,
		})
		if err != nil {
			return nil, fmt.Errorf("security policy: %w", err)
		}
		return v, nil
	case AuthHeader, "":
		log.Warn("auth.header_mode", "header", cfg.AuthUserHeader,
			"note", "caller identity is trusted from the request header")
		return auth.HeaderVerifier{Header: cfg.AuthUserHeader}, nil
	default:
		return nil, fmt.Errorf("security policy: unknown auth mode %q", cfg.AuthMode)
	}
}
