package config

import "time"

type ApiConfig struct {
	Database struct {
		Host            string `toml:"host" env:"ARKRELAY_DB_HOST"`
		Port            string `toml:"port" env:"ARKRELAY_DB_PORT" env-default:"5432"`
		User            string `toml:"user" env:"ARKRELAY_DB_USER"`
		Password        string `toml:"password" env:"ARKRELAY_DB_PASSWORD"`
		DB              string `toml:"db" env:"ARKRELAY_DB_NAME"`
		SslMode         string `toml:"ssl_mode" env:"ARKRELAY_DB_SSL_MODE" env-default:"disable"`
		MaxConns        int    `toml:"max_conns" env:"ARKRELAY_DB_MAX_CONNS" env-default:"25"`
		MinConns        int    `toml:"min_conns" env:"ARKRELAY_DB_MIN_CONNS" env-default:"5"`
		MaxConnLifetime int    `toml:"max_conn_lifetime" env:"ARKRELAY_DB_MAX_CONN_LIFETIME" env-default:"5"`
		MaxConnIdleTime int    `toml:"max_conn_idle_time" env:"ARKRELAY_DB_MAX_CONN_IDLE_TIME" env-default:"1"`
	} `toml:"database"`

	Redis struct {
		Host     string `toml:"host" env:"ARKRELAY_REDIS_HOST"`
		Port     string `toml:"port" env:"ARKRELAY_REDIS_PORT" env-default:"6379"`
		Password string `toml:"password" env:"ARKRELAY_REDIS_PASSWORD"`
		DB       int    `toml:"db" env:"ARKRELAY_REDIS_DB" env-default:"0"`
	} `toml:"redis"`

	Relay struct {
		URLs              []string      `toml:"urls" env:"ARKRELAY_RELAY_URLS" env-separator:","`
		IdentityKeyHex    string        `toml:"identity_key_hex" env:"ARKRELAY_RELAY_IDENTITY_KEY"`
		DedupCacheSize    int           `toml:"dedup_cache_size" env:"ARKRELAY_RELAY_DEDUP_CACHE_SIZE" env-default:"10000"`
		OutboundQueueSize int           `toml:"outbound_queue_size" env:"ARKRELAY_RELAY_OUTBOUND_QUEUE_SIZE" env-default:"256"`
		DialTimeout       time.Duration `toml:"dial_timeout" env:"ARKRELAY_RELAY_DIAL_TIMEOUT" env-default:"10s"`
	} `toml:"relay"`

	Ark struct {
		BaseURL            string        `toml:"base_url" env:"ARKRELAY_ARK_BASE_URL"`
		RequestTimeout     time.Duration `toml:"request_timeout" env:"ARKRELAY_ARK_REQUEST_TIMEOUT" env-default:"10s"`
		BreakerMaxFailures int           `toml:"breaker_max_failures" env:"ARKRELAY_ARK_BREAKER_MAX_FAILURES" env-default:"5"`
		BreakerResetAfter  time.Duration `toml:"breaker_reset_after" env:"ARKRELAY_ARK_BREAKER_RESET_AFTER" env-default:"30s"`
	} `toml:"ark"`

	Tapd struct {
		BaseURL            string        `toml:"base_url" env:"ARKRELAY_TAPD_BASE_URL"`
		RequestTimeout     time.Duration `toml:"request_timeout" env:"ARKRELAY_TAPD_REQUEST_TIMEOUT" env-default:"10s"`
		BreakerMaxFailures int           `toml:"breaker_max_failures" env:"ARKRELAY_TAPD_BREAKER_MAX_FAILURES" env-default:"5"`
		BreakerResetAfter  time.Duration `toml:"breaker_reset_after" env:"ARKRELAY_TAPD_BREAKER_RESET_AFTER" env-default:"30s"`
	} `toml:"tapd"`

	LND struct {
		GRPCHost              string `toml:"grpc_host" env:"ARKRELAY_LND_GRPC_HOST"`
		GRPCPort              string `toml:"grpc_port" env:"ARKRELAY_LND_GRPC_PORT" env-default:"10009"`
		TLSCertPath           string `toml:"tls_cert_path" env:"ARKRELAY_LND_TLS_CERT_PATH"`
		MacaroonPath          string `toml:"macaroon_path" env:"ARKRELAY_LND_MACAROON_PATH"`
		Network               string `toml:"network" env:"ARKRELAY_LND_NETWORK" env-default:"testnet"`
		PaymentTimeoutSeconds int    `toml:"payment_timeout_seconds" env:"ARKRELAY_LND_PAYMENT_TIMEOUT_SECONDS" env-default:"30"`
		MaxPaymentFeeSats     int64  `toml:"max_payment_fee_sats" env:"ARKRELAY_LND_MAX_PAYMENT_FEE_SATS" env-default:"100"`
	} `toml:"lnd"`

	Session struct {
		DefaultLifetime   time.Duration `toml:"default_lifetime" env:"ARKRELAY_SESSION_DEFAULT_LIFETIME" env-default:"30m"`
		ChallengeLifetime time.Duration `toml:"challenge_lifetime" env:"ARKRELAY_SESSION_CHALLENGE_LIFETIME" env-default:"5m"`
		PublishRetryGrace time.Duration `toml:"publish_retry_grace" env:"ARKRELAY_SESSION_PUBLISH_RETRY_GRACE" env-default:"5m"`
		AdmissionCeiling  int           `toml:"admission_ceiling" env:"ARKRELAY_SESSION_ADMISSION_CEILING" env-default:"100"`
		SweepInterval     time.Duration `toml:"sweep_interval" env:"ARKRELAY_SESSION_SWEEP_INTERVAL" env-default:"30s"`
	} `toml:"session"`

	VTXO struct {
		CriticalThreshold int64         `toml:"critical_threshold" env:"ARKRELAY_VTXO_CRITICAL_THRESHOLD" env-default:"1000"`
		WarningThreshold  int64         `toml:"warning_threshold" env:"ARKRELAY_VTXO_WARNING_THRESHOLD" env-default:"3000"`
		TargetLevel       int64         `toml:"target_level" env:"ARKRELAY_VTXO_TARGET_LEVEL" env-default:"10000"`
		BatchSize         int64         `toml:"batch_size" env:"ARKRELAY_VTXO_BATCH_SIZE" env-default:"1000"`
		MonitorInterval   time.Duration `toml:"monitor_interval" env:"ARKRELAY_VTXO_MONITOR_INTERVAL" env-default:"5m"`
		SettlementPeriod  time.Duration `toml:"settlement_period" env:"ARKRELAY_VTXO_SETTLEMENT_PERIOD" env-default:"1h"`
		MaxFeeCeilingSats int64         `toml:"max_fee_ceiling_sats" env:"ARKRELAY_VTXO_MAX_FEE_CEILING_SATS" env-default:"50000"`
	} `toml:"vtxo"`

	Fees struct {
		L2TransferFeeUnits  int64  `toml:"l2_transfer_fee_units" env:"ARKRELAY_FEE_L2_TRANSFER_UNITS" env-default:"10"`
		LightningLandFeeBps int64  `toml:"lightning_land_fee_bps" env:"ARKRELAY_FEE_LIGHTNING_LAND_BPS" env-default:"10"`
		NativeAssetID       string `toml:"native_asset_id" env:"ARKRELAY_FEE_NATIVE_ASSET_ID" env-default:"gBTC"`
	} `toml:"fees"`
}
