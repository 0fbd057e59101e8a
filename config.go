package datasource

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is read once at process start; see LoadConfig.
type Config struct {
	// UsePostgres selects whether the primary store is attempted at all.
	// When false every operation goes straight to Airtable.
	UsePostgres bool `envconfig:"USE_POSTGRES" default:"true"`

	Postgres PostgresConfig
	Airtable AirtableConfig
	Redis    RedisConfig
}

// Nested field names are relative: envconfig joins them with the struct
// path, so DSN below is CRM_POSTGRES_DSN in the environment.
type PostgresConfig struct {
	DSN            string        `envconfig:"DSN"`
	MaxOpenConns   int           `envconfig:"MAX_CONNS" default:"20"`
	IdleTimeout    time.Duration `envconfig:"IDLE_TIMEOUT" default:"30s"`
	AcquireTimeout time.Duration `envconfig:"ACQUIRE_TIMEOUT" default:"2s"`
}

type AirtableConfig struct {
	APIKey          string `envconfig:"API_KEY"`
	BaseID          string `envconfig:"BASE_ID"`
	LeadsTable      string `envconfig:"LEADS_TABLE_ID"`
	ActivitiesTable string `envconfig:"ACTIVITIES_TABLE_ID"`
	OrdersTable     string `envconfig:"ORDERS_TABLE_ID"`
	ProductsTable   string `envconfig:"PRODUCTS_TABLE_ID"`
}

type RedisConfig struct {
	Addr     string `envconfig:"ADDR" default:"localhost:6379"`
	Password string `envconfig:"PASSWORD"`
	DB       int    `envconfig:"DB" default:"0"`
}

// LoadConfig reads the configuration from the environment (CRM_ prefix).
func LoadConfig() (*Config, error) {
	conf := &Config{}
	if err := envconfig.Process("crm", conf); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := conf.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return conf, nil
}

func (c *Config) validate() error {
	if c.UsePostgres && c.Postgres.DSN == "" {
		return errors.New("CRM_POSTGRES_DSN must be set when CRM_USE_POSTGRES is true")
	}

	if c.Airtable.APIKey == "" {
		return errors.New("CRM_AIRTABLE_API_KEY must be set; Airtable is the fallback store")
	}
	if c.Airtable.BaseID == "" {
		return errors.New("CRM_AIRTABLE_BASE_ID must be set")
	}
	for name, table := range map[string]string{
		"CRM_AIRTABLE_LEADS_TABLE_ID":      c.Airtable.LeadsTable,
		"CRM_AIRTABLE_ACTIVITIES_TABLE_ID": c.Airtable.ActivitiesTable,
	} {
		if table == "" {
			return errors.New(name + " must be set")
		}
	}

	if c.Postgres.MaxOpenConns <= 0 {
		return errors.New("CRM_POSTGRES_MAX_CONNS must be positive")
	}

	return nil
}
