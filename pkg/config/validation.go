package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration against the struct validation tags
// and the cross-field rules the tags cannot express.
func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())

	if err := validate.Struct(cfg); err != nil {
		var errs validator.ValidationErrors
		if errors.As(err, &errs) {
			return fmt.Errorf("invalid configuration: %s", formatValidationErrors(errs))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.Database.Validate(); err != nil {
		return fmt.Errorf("invalid database configuration: %w", err)
	}

	return validatePipeline(&cfg.Pipeline)
}

// validatePipeline checks the timing relationships between the engine
// and recovery settings.
func validatePipeline(cfg *PipelineConfig) error {
	if cfg.Engine.ProcessingTTL > 0 && cfg.Engine.QueueBlock >= cfg.Engine.ProcessingTTL {
		return fmt.Errorf("pipeline.engine.queue_block (%s) must be shorter than processing_ttl (%s)",
			cfg.Engine.QueueBlock, cfg.Engine.ProcessingTTL)
	}
	if cfg.Recovery.StuckTimeout > 0 && cfg.Recovery.StuckTimeout <= cfg.Engine.ProcessingTTL {
		return fmt.Errorf("pipeline.recovery.stuck_timeout (%s) must exceed the lock ttl (%s), "+
			"or healthy workers would be treated as stuck",
			cfg.Recovery.StuckTimeout, cfg.Engine.ProcessingTTL)
	}
	return nil
}

// formatValidationErrors renders validator errors as one readable line
// per violated field.
func formatValidationErrors(errs validator.ValidationErrors) string {
	msgs := make([]string, 0, len(errs))
	for _, fe := range errs {
		msg := fmt.Sprintf("%s failed on the '%s' rule", fieldPath(fe), fe.Tag())
		if fe.Param() != "" {
			msg += fmt.Sprintf(" (%s=%s)", fe.Tag(), fe.Param())
		}
		msgs = append(msgs, msg)
	}
	return strings.Join(msgs, "; ")
}

// fieldPath strips the root struct name from the validator namespace, so
// errors read "Logging.Level" instead of "Config.Logging.Level".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
