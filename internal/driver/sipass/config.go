package sipass

import (
	"crypto/tls"
	"crypto/x509"
	"strings"

	"github.com/reservio/accessgate/internal/acerr"
	"github.com/reservio/accessgate/internal/models"
)

// systemConfig is the driver's view of the system-level config blob.
type systemConfig struct {
	APIURL                  string
	Username                string
	Password                string
	CredentialProfileName   string
	CardholderWorkgroupName string
	ClientID                string
	VerifyTLS               bool
	TLSCACert               string
	TLSClientCert           string
}

const defaultClientID = "accessgate"

func parseSystemConfig(cfg models.JSONMap) systemConfig {
	verifyTLS := true
	if v, ok := cfg["verify_tls"].(bool); ok {
		verifyTLS = v
	}
	return systemConfig{
		APIURL:                  strings.TrimSuffix(cfg.GetString("api_url", ""), "/"),
		Username:                cfg.GetString("username", ""),
		Password:                cfg.GetString("password", ""),
		CredentialProfileName:   cfg.GetString("credential_profile_name", ""),
		CardholderWorkgroupName: cfg.GetString("cardholder_workgroup_name", ""),
		ClientID:                cfg.GetString("client_id", defaultClientID),
		VerifyTLS:               verifyTLS,
		TLSCACert:               cfg.GetString("tls_ca_cert", ""),
		TLSClientCert:           cfg.GetString("tls_client_cert", ""),
	}
}

// ValidateSystemConfig checks the system-level config blob.
func (d *Driver) ValidateSystemConfig(cfg models.JSONMap) error {
	sc := parseSystemConfig(cfg)
	switch {
	case sc.APIURL == "":
		return acerr.NewValidationError("api_url", "required")
	case !strings.HasPrefix(sc.APIURL, "http://") && !strings.HasPrefix(sc.APIURL, "https://"):
		return acerr.NewValidationError("api_url", "must be an http(s) URL")
	case sc.Username == "":
		return acerr.NewValidationError("username", "required")
	case sc.Password == "":
		return acerr.NewValidationError("password", "required")
	case sc.CredentialProfileName == "":
		return acerr.NewValidationError("credential_profile_name", "required")
	case sc.CardholderWorkgroupName == "":
		return acerr.NewValidationError("cardholder_workgroup_name", "required")
	}
	return validateTLSConfig(sc)
}

func validateTLSConfig(sc systemConfig) error {
	if sc.TLSCACert != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(sc.TLSCACert)) {
			return acerr.NewValidationError("tls_ca_cert", "must include a certificate in PEM format")
		}
	}
	if sc.TLSClientCert != "" {
		// The blob must carry both the certificate and its private key.
		if _, err := tls.X509KeyPair([]byte(sc.TLSClientCert), []byte(sc.TLSClientCert)); err != nil {
			return acerr.NewValidationError("tls_client_cert", "must include a PEM-encoded certificate and private key: %v", err)
		}
	}
	return nil
}

// ValidateResourceConfig checks the binding-level config blob.
func (d *Driver) ValidateResourceConfig(_ *models.Binding, cfg models.JSONMap) error {
	if cfg.GetString("access_point_group_name", "") == "" {
		return acerr.NewValidationError("access_point_group_name", "required")
	}
	return nil
}

// SystemConfigSchema describes the system config for UI editors.
func (d *Driver) SystemConfigSchema() models.JSONMap {
	return models.JSONMap{
		"type": "object",
		"properties": map[string]any{
			"api_url":                   map[string]any{"type": "string", "format": "uri", "pattern": "^https?://"},
			"username":                  map[string]any{"type": "string"},
			"password":                  map[string]any{"type": "string"},
			"credential_profile_name":   map[string]any{"type": "string"},
			"cardholder_workgroup_name": map[string]any{"type": "string"},
			"client_id":                 map[string]any{"type": "string"},
			"verify_tls":                map[string]any{"type": "boolean"},
			"tls_ca_cert":               map[string]any{"type": "string", "format": "textarea"},
			"tls_client_cert":           map[string]any{"type": "string", "format": "textarea"},
		},
		"required": []any{
			"api_url", "username", "password", "credential_profile_name",
			"cardholder_workgroup_name",
		},
	}
}

// ResourceConfigSchema describes the binding config for UI editors.
func (d *Driver) ResourceConfigSchema() models.JSONMap {
	return models.JSONMap{
		"type": "object",
		"properties": map[string]any{
			"access_point_group_name": map[string]any{"type": "string"},
			"credential_profile_name": map[string]any{"type": "string"},
		},
		"required": []any{"access_point_group_name"},
	}
}

// ResourceIdentifier labels a binding by its access-point group.
func (d *Driver) ResourceIdentifier(binding *models.Binding) string {
	return binding.DriverConfig.GetString("access_point_group_name", "")
}
