package main

import (
	"github.com/howie/coaching-transcript-tool-sub005/pkg/billing"
	"github.com/howie/coaching-transcript-tool-sub005/pkg/billing/gateway"
	"github.com/howie/coaching-transcript-tool-sub005/pkg/email"
	"github.com/howie/coaching-transcript-tool-sub005/pkg/httpserver"
	"github.com/howie/coaching-transcript-tool-sub005/pkg/redis"
)

const (
	modeAll    = "all"
	modeAPI    = "api"
	modeWorker = "worker"

	storeMemory   = "memory"
	storePostgres = "postgres"
)

type appConfig struct {
	Env         string `env:"APP_ENV" envDefault:"development"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"billingd"`
	Mode        string `env:"BILLING_MODE" envDefault:"all"`
	StoreDriver string `env:"STORE_DRIVER" envDefault:"memory"`

	// PlanCatalogFile is a YAML plan catalog; empty uses the built-in plans.
	PlanCatalogFile string `env:"BILLING_PLAN_CATALOG"`

	MaintenanceSchedule string `env:"SCHEDULER_MAINTENANCE" envDefault:"0 */6 * * *"`
	RetrySchedule       string `env:"SCHEDULER_RETRIES" envDefault:"0 */2 * * *"`

	WebhookAckBody  string `env:"WEBHOOK_ACK_BODY" envDefault:"1|OK"`
	WebhookNackBody string `env:"WEBHOOK_NACK_BODY" envDefault:"0|ERROR"`

	HTTP    httpserver.Config
	Redis   redis.Config
	Email   email.Config
	Gateway gateway.Config
	Policy  billing.Policy
}

func (c appConfig) runsAPI() bool    { return c.Mode == modeAll || c.Mode == modeAPI }
func (c appConfig) runsWorker() bool { return c.Mode == modeAll || c.Mode == modeWorker }
