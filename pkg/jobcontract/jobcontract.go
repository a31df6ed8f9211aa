// Package jobcontract defines the Job Contract: the input document a
// caller drops into the jobs inbox, and its struct-tag validation rules.
// Grounded on tools/validate_job.py, ported from ad hoc field checks to
// go-playground/validator tags.
package jobcontract

import (
	"regexp"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/cat-ai-factory/caf-pipeline/internal/apperr"
)

var hashtagRe = regexp.MustCompile(`^#\w[\w_]*$`)

// Video carries the render target's geometry. AspectRatio and Resolution
// are fixed values (validate_job.py hardcodes 9:16 / 1080x1920 rather than
// a range) so they use `eq` rather than a numeric bound.
type Video struct {
	LengthSeconds int    `json:"length_seconds" validate:"gte=10,lte=60"`
	AspectRatio   string `json:"aspect_ratio" validate:"eq=9:16"`
	FPS           int    `json:"fps" validate:"gte=24,lte=60"`
	Resolution    string `json:"resolution" validate:"eq=1080x1920"`
}

type Script struct {
	Hook      string `json:"hook" validate:"min=3,max=120"`
	Voiceover string `json:"voiceover" validate:"min=20,max=900"`
	Ending    string `json:"ending" validate:"min=3,max=120"`
}

type Shot struct {
	T       int    `json:"t" validate:"gte=0,lte=60"`
	Visual  string `json:"visual" validate:"required"`
	Action  string `json:"action" validate:"required"`
	Caption string `json:"caption" validate:"required"`
}

type Render struct {
	BackgroundAsset string `json:"background_asset" validate:"required"`
	SubtitleStyle   string `json:"subtitle_style" validate:"oneof=big_bottom karaoke_bottom"`
	OutputBasename  string `json:"output_basename" validate:"required"`
}

// Job is the full inbox document: repo/tools/validate_job.py's validate_job
// schema, unchanged in meaning.
type Job struct {
	JobID    string   `json:"job_id" validate:"min=6"`
	Date     string   `json:"date" validate:"datetime=2006-01-02"`
	Niche    string   `json:"niche" validate:"required"`
	Video    Video    `json:"video" validate:"required"`
	Script   Script   `json:"script" validate:"required"`
	Shots    []Shot   `json:"shots" validate:"min=6,max=14,dive"`
	Captions []string `json:"captions" validate:"min=4,max=24,dive,min=1,max=80"`
	Hashtags []string `json:"hashtags" validate:"min=3,max=20,dive"`
	Render   Render   `json:"render" validate:"required"`
}

var (
	validateOnce sync.Once
	v            *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		v = validator.New()
	})
	return v
}

// Validate checks every field-level constraint from validate_job.py and
// returns an AppError of type TypeValidation: the first hashtag that fails
// the pattern if there is one, otherwise the struct validator's error, which
// lists every failing field.
func Validate(j *Job) error {
	for i, tag := range j.Hashtags {
		if !hashtagRe.MatchString(tag) {
			return apperr.Newf(apperr.TypeValidation, "hashtags[%d] must match %s", i, hashtagRe.String())
		}
	}
	if err := getValidator().Struct(j); err != nil {
		return apperr.Wrap(err, apperr.TypeValidation, "job contract validation failed")
	}
	return nil
}
