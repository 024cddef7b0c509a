package config

import "time"

func Defaults() *Config {
	return &Config{
		Backend: BackendConfig{
			Timeout: 120 * time.Second,
		},
		Agent: AgentConfig{
			GroupPolicy:      "addressed",
			ThinkingReaction: true,
			Concurrency:      8,
		},
		XMTP: XMTPConfig{
			Env: "production",
		},
		Storage: StorageConfig{
			DataDir: ".",
		},
		Transport: TransportConfig{
			Kind: TransportXMTP,
			Kafka: KafkaConfig{
				Brokers:       []string{"localhost:9092"},
				InboundTopic:  "xmtp.inbound",
				OutboundTopic: "xmtp.outbound",
				GroupID:       "xbtagent",
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func ProvisionerDefaults() *ProvisionerConfig {
	return &ProvisionerConfig{
		Port:          8080,
		Namespace:     "xmtp-agents",
		Image:         "base-xmtp-xbt:latest",
		XMTPEnv:       "production",
		ClientTimeout: 30 * time.Second,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
