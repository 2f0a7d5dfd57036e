// Package config loads the broker connection record shared by producers and consumers.
//
// The record lives in the "ActiveMQClient" section of an application settings
// file (appsettings.json by default):
//
//	{
//	  "ActiveMQClient": {
//	    "BrokerUri": "tcp://localhost:61616",
//	    "UserName": "admin",
//	    "Password": "admin"
//	  }
//	}
//
// A loaded Options value is treated as immutable; clients copy it at construction.
package config

import (
	"errors"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/glimte/amqclient/contracts"
	"github.com/go-playground/validator/v10"
)

// SectionName is the settings section holding the client record
const SectionName = "ActiveMQClient"

// DefaultConnectTimeout bounds dial, start and session creation when no timeout is configured
const DefaultConnectTimeout = 30 * time.Second

// Options is the broker connection record
type Options struct {
	// BrokerURI is the broker address. Empty is accepted here and rejected at Open.
	BrokerURI string `mapstructure:"BrokerUri" json:"BrokerUri" validate:"omitempty,brokeruri"`

	UserName string `mapstructure:"UserName" json:"UserName"`
	Password string `mapstructure:"Password" json:"Password"`

	// Protocol forces a transport ("amqp1", "amqp091" or "memory"); empty selects by URI scheme
	Protocol string `mapstructure:"Protocol" json:"Protocol,omitempty" validate:"omitempty,oneof=amqp1 amqp091 memory"`

	ConnectTimeout time.Duration `mapstructure:"ConnectTimeout" json:"ConnectTimeout,omitempty" validate:"gte=0"`
}

// HasCredentials reports whether both user name and password are set
func (o *Options) HasCredentials() bool {
	return o.UserName != "" && o.Password != ""
}

// Timeout returns the effective connect timeout
func (o *Options) Timeout() time.Duration {
	if o.ConnectTimeout > 0 {
		return o.ConnectTimeout
	}
	return DefaultConnectTimeout
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "" || name == "-" {
				return f.Name
			}
			return name
		})
		_ = validate.RegisterValidation("brokeruri", func(fl validator.FieldLevel) bool {
			return validBrokerURI(fl.Field().String())
		})
	})
	return validate
}

// validBrokerURI accepts scheme://rest and nested forms like activemq:tcp://host:port
func validBrokerURI(s string) bool {
	i := strings.Index(s, "://")
	if i <= 0 || len(s) == i+3 {
		return false
	}
	return !strings.ContainsAny(s, " \t\r\n")
}

// Validate checks field formats. A nil record fails with ErrMissingConfig.
func (o *Options) Validate() error {
	if o == nil {
		return &contracts.ConfigError{Err: contracts.ErrMissingConfig}
	}

	if err := validatorInstance().Struct(o); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &contracts.ConfigError{
				Field: fe.Field(),
				Err:   errors.Join(contracts.ErrInvalidConfig, fe),
			}
		}
		return &contracts.ConfigError{Err: errors.Join(contracts.ErrInvalidConfig, err)}
	}

	return nil
}

// Clone returns a copy of the record
func (o *Options) Clone() *Options {
	if o == nil {
		return nil
	}
	c := *o
	return &c
}
