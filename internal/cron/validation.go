package cron

import (
	"fmt"
	"regexp"
	"strings"
)

var identityPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// validateIdentity checks the owner id and slug used as file and row keys.
func validateIdentity(ownerID, slug string) error {
	if !identityPattern.MatchString(ownerID) {
		return fmt.Errorf("%w: owner id %q", ErrInvalidSlug, ownerID)
	}
	if !identityPattern.MatchString(slug) {
		return fmt.Errorf("%w: slug %q", ErrInvalidSlug, slug)
	}
	return nil
}

// validatePayload checks payload fields based on payload kind.
func validatePayload(p Payload) error {
	switch p.Kind {
	case PayloadHeartbeat:
		if p.Message != "" {
			return fmt.Errorf("%w: heartbeat payload takes no message", ErrInvalidPayload)
		}
	case PayloadAgentTurn:
		if strings.TrimSpace(p.Message) == "" {
			return fmt.Errorf("%w: agent_turn payload requires a message", ErrInvalidPayload)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, p.Kind)
	}
	return nil
}

// ValidateDefinition validates every part of a job definition.
func ValidateDefinition(def Definition) error {
	if err := ValidateSchedule(def.Schedule); err != nil {
		return err
	}
	if def.DeleteAfterRun != nil && def.Schedule.Kind != ScheduleAt {
		return fmt.Errorf("%w: delete_after_run only applies to at schedules", ErrInvalidSchedule)
	}
	return validatePayload(def.Payload)
}
