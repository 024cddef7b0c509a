// Package provisioner creates and deletes per-tenant agent deployments on
// Kubernetes. Each tenant is a Secret, a PersistentVolumeClaim and a
// Deployment named after the tenant's fid.
package provisioner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation"
)

// DefaultXMTPEnv is used when the input names no network.
const DefaultXMTPEnv = "production"

// TenantID accepts both JSON strings and numbers.
type TenantID string

func (t *TenantID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*t = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = TenantID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("fid must be a string or number")
	}
	*t = TenantID(n.String())
	return nil
}

// Input describes one tenant agent.
type Input struct {
	FID            TenantID `json:"fid"`
	BackendURL     string   `json:"backendUrl"`
	BackendAPIKey  string   `json:"backendApiKey"`
	XMTPMnemonic   string   `json:"xmtpMnemonic,omitempty"`
	XMTPPrivateKey string   `json:"xmtpPrivateKey,omitempty"`
	XMTPEnv        string   `json:"xmtpEnv,omitempty"`
	XMTPDBKey      string   `json:"xmtpDbKey,omitempty"`
}

// ValidationError reports an unusable Input.
type ValidationError struct {
	Missing []string
	Reason  string
}

func (e *ValidationError) Error() string {
	if len(e.Missing) > 0 {
		return "missing required fields: " + strings.Join(e.Missing, ", ")
	}
	return "invalid input: " + e.Reason
}

// Validate fills defaults and checks the input. Exactly one of the
// mnemonic and the private key must be set.
func (in *Input) Validate() error {
	in.FID = TenantID(strings.TrimSpace(string(in.FID)))
	if in.XMTPEnv == "" {
		in.XMTPEnv = DefaultXMTPEnv
	}

	var missing []string
	if in.FID == "" {
		missing = append(missing, "fid")
	}
	if in.BackendURL == "" {
		missing = append(missing, "backendUrl")
	}
	if in.BackendAPIKey == "" {
		missing = append(missing, "backendApiKey")
	}
	if in.XMTPMnemonic == "" && in.XMTPPrivateKey == "" {
		missing = append(missing, "xmtpMnemonic|xmtpPrivateKey")
	}
	if len(missing) > 0 {
		return &ValidationError{Missing: missing}
	}
	if in.XMTPMnemonic != "" && in.XMTPPrivateKey != "" {
		return &ValidationError{Reason: "xmtpMnemonic and xmtpPrivateKey are mutually exclusive"}
	}
	switch in.XMTPEnv {
	case "dev", "local", "production":
	default:
		return &ValidationError{Reason: fmt.Sprintf("unknown xmtpEnv %q", in.XMTPEnv)}
	}
	if errs := validation.IsDNS1123Label(ResourceNames(string(in.FID)).PVC); len(errs) > 0 {
		return &ValidationError{Reason: fmt.Sprintf("fid %q: %s", in.FID, strings.Join(errs, "; "))}
	}
	return nil
}
