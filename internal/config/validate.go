package config

import (
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate

	cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
			d, err := time.ParseDuration(strings.TrimSpace(fl.Field().String()))
			return err == nil && d >= 0
		})
		_ = v.RegisterValidation("weekdays", func(fl validator.FieldLevel) bool {
			return strings.Trim(fl.Field().String(), "01") == ""
		})
		validate = v
	})
	return validate
}

// Validate checks field rules and the cross-field rules struct tags cannot
// express. Every failure is reported, joined, and wrapped in ErrInvalid.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error
	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		for _, fe := range verrs {
			errs = append(errs, fmt.Errorf("%s: failed %q", trimNamespace(fe.Namespace()), tagText(fe)))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn: required for the postgres driver"))
		}
	}

	if spec := strings.TrimSpace(cfg.Reminder.ReconcileSpec); spec != "" {
		if _, err := cronParser.Parse(spec); err != nil {
			errs = append(errs, fmt.Errorf("reminder.reconcile_spec: %w", err))
		}
	}

	if addr := strings.TrimSpace(cfg.Ops.Addr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("ops.addr: %w", err))
		}
	}
	if cfg.Ops.Enabled && !cfg.Ops.AllowInsecure && strings.TrimSpace(cfg.Ops.Token) == "" && !isLoopbackAddr(cfg.Ops.Addr) {
		errs = append(errs, fmt.Errorf("ops.addr: %q is not loopback; set ops.token or ops.allow_insecure", cfg.Ops.Addr))
	}

	seen := map[string]bool{}
	for i, s := range cfg.Catalog.Subjects {
		key := strings.ToLower(strings.TrimSpace(s.Name))
		if seen[key] {
			errs = append(errs, fmt.Errorf("catalog.subjects[%d].name: duplicate %q", i, s.Name))
		}
		seen[key] = true
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

func tagText(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

// trimNamespace drops the root type name: "Config.telegram.token" -> "telegram.token".
func trimNamespace(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

// isLoopbackAddr reports whether addr only listens on loopback. An empty host
// (":9090") listens everywhere.
func isLoopbackAddr(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
