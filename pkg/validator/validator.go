package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

type ValidationErrors map[string]string

func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

func (v ValidationErrors) Add(field, message string) {
	v[field] = message
}

const (
	MaxContentLength     = 5000
	MaxGroupNameLength   = 100
	MaxDescriptionLength = 500
	MaxEmojiBytes        = 32
	MaxSlowModeDelay     = 3600
)

var attachmentTypes = map[string]bool{
	"image": true, "video": true, "file": true, "voice": true,
}

var validate = newValidate()

// newValidate reports fields by their json names.
func newValidate() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	return v
}

// check runs the struct rules of s and records the first failure of each
// field. messages is keyed by "field.tag".
func check(s any, messages map[string]string, errs ValidationErrors) {
	var fieldErrs validator.ValidationErrors
	if !errors.As(validate.Struct(s), &fieldErrs) {
		return
	}
	for _, fe := range fieldErrs {
		if _, seen := errs[fe.Field()]; seen {
			continue
		}
		msg, ok := messages[fe.Field()+"."+fe.Tag()]
		if !ok {
			msg = fmt.Sprintf("%s is invalid", fe.Field())
		}
		errs.Add(fe.Field(), msg)
	}
}

type messageRules struct {
	Type    string `json:"message_type" validate:"oneof=text image video file voice location system"`
	Content string `json:"content" validate:"max=5000"`
}

var messageMessages = map[string]string{
	"message_type.oneof": "Message type must be one of text, image, video, file, voice, location, system",
	"content.max":        fmt.Sprintf("Message content must be at most %d characters", MaxContentLength),
}

// Both coordinates report under location.
type coordinateRules struct {
	Latitude  float64 `json:"location" validate:"min=-90,max=90"`
	Longitude float64 `json:"location" validate:"min=-180,max=180"`
}

var coordinateMessages = map[string]string{
	"location.min": "Coordinates are out of range",
	"location.max": "Coordinates are out of range",
}

type groupRules struct {
	Name        string `json:"group_name" validate:"required,max=100"`
	Description string `json:"group_description" validate:"max=500"`
}

var groupMessages = map[string]string{
	"group_name.required":   "Group name is required",
	"group_name.max":        "Group name is too long",
	"group_description.max": "Group description is too long",
}

type slowModeRules struct {
	Delay int `json:"slow_mode_delay_seconds" validate:"min=0,max=3600"`
}

var slowModeRange = fmt.Sprintf("Delay must be between 0 and %d seconds", MaxSlowModeDelay)

var slowModeMessages = map[string]string{
	"slow_mode_delay_seconds.min": slowModeRange,
	"slow_mode_delay_seconds.max": slowModeRange,
}

// MessageInput is the subset of a send request the validator inspects.
type MessageInput struct {
	Type          string
	Content       string
	HasAttachment bool
	AttachmentURL string
	HasLocation   bool
	Latitude      float64
	Longitude     float64
}

func ValidateMessage(in MessageInput, allowFiles bool) ValidationErrors {
	errs := make(ValidationErrors)

	msgType := in.Type
	if msgType == "" {
		msgType = "text"
	}

	check(messageRules{Type: msgType}, messageMessages, errs)
	if errs.HasErrors() {
		return errs
	}

	if msgType == "system" {
		errs.Add("message_type", "System messages cannot be sent by users")
		return errs
	}

	validateContent(in.Content, msgType == "text", errs)

	if attachmentTypes[msgType] {
		if !allowFiles {
			errs.Add("attachment", "Files are not allowed in this conversation")
		} else if !in.HasAttachment || strings.TrimSpace(in.AttachmentURL) == "" {
			errs.Add("attachment", fmt.Sprintf("An attachment is required for %s messages", msgType))
		}
	} else if in.HasAttachment {
		errs.Add("attachment", fmt.Sprintf("Attachments are not allowed on %s messages", msgType))
	}

	if msgType == "location" {
		if !in.HasLocation {
			errs.Add("location", "Coordinates are required for location messages")
		} else {
			check(coordinateRules{Latitude: in.Latitude, Longitude: in.Longitude}, coordinateMessages, errs)
		}
	}

	return errs
}

// ValidateEdit checks replacement content for a text edit.
func ValidateEdit(content string) ValidationErrors {
	errs := make(ValidationErrors)
	validateContent(content, true, errs)
	return errs
}

func ValidateGroup(name, description string) ValidationErrors {
	errs := make(ValidationErrors)
	check(groupRules{Name: strings.TrimSpace(name), Description: description}, groupMessages, errs)
	return errs
}

func ValidateEmoji(emoji string) ValidationErrors {
	errs := make(ValidationErrors)

	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		errs.Add("emoji", "Emoji is required")
	} else if len(emoji) > MaxEmojiBytes {
		errs.Add("emoji", "Emoji is too long")
	}

	return errs
}

func ValidateSlowMode(enabled bool, delaySeconds int) ValidationErrors {
	errs := make(ValidationErrors)

	check(slowModeRules{Delay: delaySeconds}, slowModeMessages, errs)
	if errs.HasErrors() {
		return errs
	}
	if enabled && delaySeconds == 0 {
		errs.Add("slow_mode_delay_seconds", "Delay is required when slow mode is on")
	}

	return errs
}

func validateContent(content string, required bool, errs ValidationErrors) {
	if required && strings.TrimSpace(content) == "" {
		errs.Add("content", "Message content is required")
		return
	}
	check(messageRules{Type: "text", Content: content}, messageMessages, errs)
}
