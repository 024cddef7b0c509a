package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// ProvisionerConfig configures the tenant provisioner service and CLI.
type ProvisionerConfig struct {
	Port          int           `envconfig:"PORT" json:"port"`
	Namespace     string        `envconfig:"PROVISIONER_NAMESPACE" json:"namespace"`
	Image         string        `envconfig:"AGENT_IMAGE" json:"image"`
	WebhookSecret string        `envconfig:"WEBHOOK_SECRET" json:"webhookSecret,omitempty"`
	Kubeconfig    string        `envconfig:"KUBECONFIG" json:"kubeconfig,omitempty"`
	ClientTimeout time.Duration `envconfig:"KUBE_CLIENT_TIMEOUT" json:"clientTimeout"`

	// Tenant defaults used by the CLI when flags are omitted.
	BackendURL          string `envconfig:"BACKEND_URL" json:"backendUrl,omitempty"`
	BackendAPIKey       string `envconfig:"BACKEND_API_KEY" json:"backendApiKey,omitempty"`
	XMTPMnemonic        string `envconfig:"XMTP_MNEMONIC" json:"xmtpMnemonic,omitempty"`
	XMTPPrivateKey      string `envconfig:"XMTP_PRIVATE_KEY" json:"xmtpPrivateKey,omitempty"`
	XMTPEnv             string `envconfig:"XMTP_ENV" json:"xmtpEnv"`
	XMTPDBEncryptionKey string `envconfig:"XMTP_DB_ENCRYPTION_KEY" json:"xmtpDbEncryptionKey,omitempty"`

	Log LogConfig `ignored:"true" json:"log"`
}

// LoadProvisioner builds the provisioner configuration from defaults and
// the environment.
func LoadProvisioner() (*ProvisionerConfig, error) {
	cfg := ProvisionerDefaults()
	for _, s := range []any{cfg, &cfg.Log} {
		if err := envconfig.Process("", s); err != nil {
			return nil, fmt.Errorf("environment: %w", err)
		}
	}
	if cfg.Kubeconfig != "" {
		cfg.Kubeconfig = ExpandPath(cfg.Kubeconfig)
	}
	return cfg, nil
}

func ValidateProvisioner(cfg *ProvisionerConfig) error {
	var errs []string
	if cfg.Port < 1 || cfg.Port > 65535 {
		errs = append(errs, "PORT must be between 1 and 65535")
	}
	if cfg.Namespace == "" {
		errs = append(errs, "PROVISIONER_NAMESPACE must not be empty")
	}
	if cfg.Image == "" {
		errs = append(errs, "AGENT_IMAGE must not be empty")
	}
	if cfg.XMTPEnv != "" && !validXMTPEnv(cfg.XMTPEnv) {
		errs = append(errs, "XMTP_ENV must be one of: dev, local, production")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
