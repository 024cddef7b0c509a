package config

// Sanitize returns a copy of the config with secrets masked, for display.
func Sanitize(cfg *Config) *Config {
	c := *cfg
	c.Transport.Kafka.Brokers = append([]string(nil), cfg.Transport.Kafka.Brokers...)

	c.Backend.APIKey = maskString(c.Backend.APIKey)
	c.Transport.Telegram.Token = maskString(c.Transport.Telegram.Token)
	c.Transport.Slack.BotToken = maskString(c.Transport.Slack.BotToken)
	c.Transport.Slack.AppToken = maskString(c.Transport.Slack.AppToken)
	c.Transport.Discord.Token = maskString(c.Transport.Discord.Token)
	return &c
}

// SanitizeProvisioner masks secrets in a provisioner config.
func SanitizeProvisioner(cfg *ProvisionerConfig) *ProvisionerConfig {
	c := *cfg
	c.WebhookSecret = maskString(c.WebhookSecret)
	c.BackendAPIKey = maskString(c.BackendAPIKey)
	c.XMTPMnemonic = maskString(c.XMTPMnemonic)
	c.XMTPPrivateKey = maskString(c.XMTPPrivateKey)
	c.XMTPDBEncryptionKey = maskString(c.XMTPDBEncryptionKey)
	return &c
}

// maskString shows the first and last 4 chars and masks the rest.
// Empty strings stay empty.
func maskString(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
