package validator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name       string
		in         MessageInput
		allowFiles bool
		field      string
	}{
		{name: "plain text", in: MessageInput{Type: "text", Content: "hi"}, allowFiles: true},
		{name: "empty type means text", in: MessageInput{Content: "hi"}, allowFiles: true},
		{name: "empty text", in: MessageInput{Type: "text", Content: "   "}, allowFiles: true, field: "content"},
		{name: "too long", in: MessageInput{Type: "text", Content: strings.Repeat("a", MaxContentLength+1)}, allowFiles: true, field: "content"},
		{name: "unknown type", in: MessageInput{Type: "sticker", Content: "x"}, allowFiles: true, field: "message_type"},
		{name: "system by user", in: MessageInput{Type: "system", Content: "x"}, allowFiles: true, field: "message_type"},
		{name: "image without attachment", in: MessageInput{Type: "image"}, allowFiles: true, field: "attachment"},
		{name: "image with attachment", in: MessageInput{Type: "image", HasAttachment: true, AttachmentURL: "https://cdn/x.png"}, allowFiles: true},
		{name: "files disabled", in: MessageInput{Type: "file", HasAttachment: true, AttachmentURL: "https://cdn/x.pdf"}, field: "attachment"},
		{name: "attachment on text", in: MessageInput{Type: "text", Content: "x", HasAttachment: true, AttachmentURL: "u"}, allowFiles: true, field: "attachment"},
		{name: "location missing", in: MessageInput{Type: "location"}, allowFiles: true, field: "location"},
		{name: "location out of range", in: MessageInput{Type: "location", HasLocation: true, Latitude: 91}, allowFiles: true, field: "location"},
		{name: "location ok", in: MessageInput{Type: "location", HasLocation: true, Latitude: 45.8, Longitude: 15.9}, allowFiles: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := ValidateMessage(tt.in, tt.allowFiles)
			if tt.field == "" {
				assert.False(t, errs.HasErrors(), "unexpected errors: %v", errs)
				return
			}
			assert.Contains(t, errs, tt.field)
		})
	}
}

func TestValidateGroup(t *testing.T) {
	assert.Contains(t, ValidateGroup("  ", ""), "group_name")
	assert.Contains(t, ValidateGroup(strings.Repeat("n", MaxGroupNameLength+1), ""), "group_name")
	assert.Contains(t, ValidateGroup("Physics 101", strings.Repeat("d", MaxDescriptionLength+1)), "group_description")
	assert.False(t, ValidateGroup("Physics 101", "Lab partners").HasErrors())
	assert.Equal(t, "Group name is required", ValidateGroup("", "")["group_name"])
	assert.Equal(t, "Group name is too long", ValidateGroup(strings.Repeat("é", MaxGroupNameLength+1), "")["group_name"])
	assert.False(t, ValidateGroup(strings.Repeat("é", MaxGroupNameLength), "").HasErrors(), "length counts characters")
}

func TestValidateEmojiAndSlowMode(t *testing.T) {
	assert.Contains(t, ValidateEmoji(""), "emoji")
	assert.False(t, ValidateEmoji("👍").HasErrors())

	assert.False(t, ValidateSlowMode(true, 10).HasErrors())
	assert.False(t, ValidateSlowMode(false, 0).HasErrors())
	assert.Contains(t, ValidateSlowMode(true, 0), "slow_mode_delay_seconds")
	assert.Contains(t, ValidateSlowMode(true, MaxSlowModeDelay+1), "slow_mode_delay_seconds")
	assert.Equal(t, "Delay must be between 0 and 3600 seconds", ValidateSlowMode(false, -1)["slow_mode_delay_seconds"])
}
