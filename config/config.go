package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// App holds every runtime knob for the service. Secrets are required so a
// misconfigured deployment fails at startup rather than on the first webhook.
type App struct {
	// Database
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`

	// HTTP
	HTTPAddr       string        `envconfig:"HTTP_ADDR" default:":8080"`
	WebhookTimeout time.Duration `envconfig:"WEBHOOK_TIMEOUT" default:"5s"`

	// Webhook signing secrets. The secondary values are optional and only
	// populated mid-rotation.
	CalendlySigningKey          string `envconfig:"CALENDLY_SIGNING_KEY" required:"true"`
	CalendlySigningKeySecondary string `envconfig:"CALENDLY_SIGNING_KEY_SECONDARY"`
	StripeSigningKey            string `envconfig:"STRIPE_SIGNING_KEY" required:"true"`
	StripeSigningKeySecondary   string `envconfig:"STRIPE_SIGNING_KEY_SECONDARY"`
	ReplayWindow                time.Duration `envconfig:"WEBHOOK_REPLAY_WINDOW" default:"5m"`

	// Admin API
	AdminJWTSecret string `envconfig:"ADMIN_JWT_SECRET" required:"true"`

	// Outbound collaborators
	AMQPURL          string `envconfig:"AMQP_URL" required:"true"`
	NotifyExchange   string `envconfig:"NOTIFY_EXCHANGE" default:"bookflow.notify"`
	StripeAPIKey     string `envconfig:"STRIPE_API_KEY" required:"true"`
	StripeAPIBaseURL string `envconfig:"STRIPE_API_BASE_URL" default:"https://api.stripe.com"`

	// Dispatcher
	DispatcherWorkers  int           `envconfig:"DISPATCHER_WORKERS" default:"4"`
	DispatcherInterval time.Duration `envconfig:"DISPATCHER_INTERVAL" default:"1s"`
	IntentMaxAttempts  int           `envconfig:"INTENT_MAX_ATTEMPTS" default:"8"`

	// Coordinator
	CASRetries         int `envconfig:"CAS_RETRIES" default:"3"`
	MissingBookingTries int `envconfig:"MISSING_BOOKING_TRIES" default:"3"`
}

// Load reads the configuration from the environment.
func Load() (App, error) {
	var c App
	err := envconfig.Process("", &c)
	return c, err
}
