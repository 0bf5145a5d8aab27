// Package validate provides input validation for job specs before they
// are accepted into the pipeline.
package validate

import (
	"strings"

	apperr "videopipe/internal/errors"
	"videopipe/internal/job"
)

var validAspectRatios = map[job.AspectRatio]bool{
	job.Aspect16x9: true,
	job.Aspect9x16: true,
	job.Aspect1x1:  true,
}

// Spec validates a job spec, returning the trimmed prompt or an error.
func Spec(spec job.Spec) (job.Spec, error) {
	prompt := strings.TrimSpace(spec.Prompt)
	if prompt == "" {
		return spec, apperr.NewWithMessage("validate.Spec", apperr.ErrInvalidSpec, "prompt must not be empty")
	}

	if !isValidDuration(spec.Duration) {
		return spec, apperr.NewWithMessage("validate.Spec", apperr.ErrInvalidSpec, "duration must be one of 5, 10, 15 seconds")
	}

	if !validAspectRatios[spec.AspectRatio] {
		return spec, apperr.NewWithMessage("validate.Spec", apperr.ErrInvalidSpec, "aspect_ratio must be one of 16:9, 9:16, 1:1")
	}

	spec.Prompt = prompt
	return spec, nil
}

func isValidDuration(d int) bool {
	for _, v := range job.ValidDurations {
		if v == d {
			return true
		}
	}
	return false
}
