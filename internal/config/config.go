package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	AppPort   string
	DBDSN     string
	JWTSecret string

	// Commission rates in basis points, resolved per technician account
	// type at initiation time and frozen on the payment record.
	CommissionIndividualBps int64
	CommissionCompanyBps    int64

	MinPayoutAmount int64 // cents
	PayoutRateLimit int   // requests per window per technician
	PayoutRateWindow time.Duration

	ReconcileInterval time.Duration
	ReconcileAfter    time.Duration

	Mpesa MpesaConfig
}

type MpesaConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Shortcode      string
	Passkey        string
	InitiatorName  string
	SecurityCred   string
	CallbackBase   string
	Timeout        time.Duration
}

func Load() Config {
	mpesaBase := get("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke")
	if get("MPESA_ENV", "sandbox") == "production" {
		mpesaBase = get("MPESA_BASE_URL", "https://api.safaricom.co.ke")
	}

	return Config{
		AppPort:   get("APP_PORT", "8080"),
		DBDSN:     must("DB_DSN"),
		JWTSecret: must("JWT_SECRET"),

		CommissionIndividualBps: getInt64("COMMISSION_INDIVIDUAL_BPS", 1500),
		CommissionCompanyBps:    getInt64("COMMISSION_COMPANY_BPS", 2000),

		MinPayoutAmount:  getInt64("MIN_PAYOUT_CENTS", 10000), // KES 100
		PayoutRateLimit:  int(getInt64("PAYOUT_RATE_LIMIT", 5)),
		PayoutRateWindow: getDuration("PAYOUT_RATE_WINDOW", time.Hour),

		ReconcileInterval: getDuration("RECONCILE_INTERVAL", 5*time.Minute),
		ReconcileAfter:    getDuration("RECONCILE_AFTER", 3*time.Minute),

		Mpesa: MpesaConfig{
			BaseURL:        mpesaBase,
			ConsumerKey:    get("MPESA_CONSUMER_KEY", ""),
			ConsumerSecret: get("MPESA_CONSUMER_SECRET", ""),
			Shortcode:      get("MPESA_SHORTCODE", ""),
			Passkey:        get("MPESA_PASSKEY", ""),
			InitiatorName:  get("MPESA_INITIATOR_NAME", ""),
			SecurityCred:   get("MPESA_SECURITY_CREDENTIAL", ""),
			CallbackBase:   get("MPESA_CALLBACK_BASE", ""),
			Timeout:        getDuration("MPESA_TIMEOUT", 10*time.Second),
		},
	}
}

func get(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func must(k string) string {
	v := os.Getenv(k)
	if v == "" {
		panic("missing env: " + k)
	}
	return v
}

func getInt64(k string, def int64) int64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
