package config

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
)

// ConfigureTimezone sets the timezone for the configuration if it is currently
// missing. If a value has been set, this only validates that the timezone being
// used is valid. Batch rule schedules are evaluated in this timezone.
func ConfigureTimezone(c *Configuration) error {
	tz := os.Getenv("TZ")
	if c.System.Timezone == "" && tz != "" {
		c.System.Timezone = tz
	}
	if c.System.Timezone == "" {
		b, err := os.ReadFile("/etc/timezone")
		if err != nil {
			if !os.IsNotExist(err) {
				return errors.WithMessage(err, "config: failed to open timezone file")
			}

			c.System.Timezone = "UTC"
			ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
			defer cancel()
			// The file isn't present on this OS, try timedatectl instead. If that
			// fails as well we stay on UTC.
			out, err := exec.CommandContext(ctx, "timedatectl").Output()
			if err != nil {
				log.WithField("error", err).Warn("failed to execute \"timedatectl\" to determine system timezone, falling back to UTC")
				return nil
			}

			r := regexp.MustCompile(`Time zone: ([\w/]+)`)
			matches := r.FindSubmatch(out)
			if len(matches) != 2 || string(matches[1]) == "" {
				log.Warn("failed to parse timezone from \"timedatectl\" output, falling back to UTC")
				return nil
			}
			c.System.Timezone = string(matches[1])
		} else {
			c.System.Timezone = strings.TrimSpace(string(b))
		}
	}

	c.System.Timezone = regexp.MustCompile(`(?i)[^a-z_/+\-0-9]+`).ReplaceAllString(c.System.Timezone, "")
	_, err := time.LoadLocation(c.System.Timezone)

	return errors.WithMessage(err, fmt.Sprintf("the supplied timezone %s is invalid", c.System.Timezone))
}
