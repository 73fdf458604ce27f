package config

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	// Postgres: the DSN may embed a password, so it is redacted wholesale.
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	// Redis
	redact(&out.Redis.Password)

	// S3
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Eth: node URLs routinely carry provider API keys in the path.
	redact(&out.Eth.NodeURL)

	// Server: the hash and salt are not secrets in the cryptographic sense
	// but there is no reason to print them either.
	redact(&out.Server.SolverAPIKeySalt)
	redact(&out.Server.SolverAPIKeyHash)

	// Notify
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices and maps so callers cannot mutate the original through
	// the redacted copy.
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = make([]string, len(cfg.Server.CORSOrigins))
		copy(out.Server.CORSOrigins, cfg.Server.CORSOrigins)
	}
	if cfg.Pricing.Sources != nil {
		out.Pricing.Sources = make([]string, len(cfg.Pricing.Sources))
		copy(out.Pricing.Sources, cfg.Pricing.Sources)
	}
	if cfg.Validation.DenyList != nil {
		out.Validation.DenyList = make([]string, len(cfg.Validation.DenyList))
		copy(out.Validation.DenyList, cfg.Validation.DenyList)
	}
	if cfg.Validation.UnsupportedTokens != nil {
		out.Validation.UnsupportedTokens = make([]string, len(cfg.Validation.UnsupportedTokens))
		copy(out.Validation.UnsupportedTokens, cfg.Validation.UnsupportedTokens)
	}
	if cfg.Fees.PartnerFactorsBps != nil {
		out.Fees.PartnerFactorsBps = make(map[string]int64, len(cfg.Fees.PartnerFactorsBps))
		for k, v := range cfg.Fees.PartnerFactorsBps {
			out.Fees.PartnerFactorsBps[k] = v
		}
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
