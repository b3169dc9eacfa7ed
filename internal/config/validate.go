package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
			d, err := time.ParseDuration(strings.TrimSpace(fl.Field().String()))
			return err == nil && d >= 0
		})
	})
	return validate
}

// Validate checks field constraints and cross-field rules. Field errors are
// joined into one error naming each offending path.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Broadcast.Sessions.Redis.Enabled = strings.EqualFold(cfg.Broadcast.Sessions.Driver, "redis")

	var errs []error
	if err := getValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			errs = append(errs, fmt.Errorf("%s: failed %q", fieldPath(fe.Namespace()), fe.Tag()))
		}
	}

	for i, ch := range cfg.Gate.Channels {
		if !validChannelID(ch.ID) {
			errs = append(errs, fmt.Errorf("gate.channels[%d].id: %q is neither @username nor a numeric chat id", i, ch.ID))
		}
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	return errors.Join(errs...)
}

func validChannelID(id string) bool {
	id = strings.TrimSpace(id)
	if strings.HasPrefix(id, "@") {
		return len(id) > 1
	}
	_, err := strconv.ParseInt(id, 10, 64)
	return err == nil
}

// fieldPath turns "Config.Gate.Channels[0].InviteURL" into
// "gate.channels[0].inviteurl".
func fieldPath(ns string) string {
	ns = strings.TrimPrefix(ns, "Config.")
	return strings.ToLower(ns)
}
