// Package bot bridges the chat platform to the ingestion pipeline. The
// chat client itself is out of process; it publishes image and command
// events as JSON records on Kafka and consumes the bot's replies.
package bot

import "time"

// ImageEvent is one screenshot posted in a configured OCR channel.
type ImageEvent struct {
	GuildID   int64     `json:"guild_id"`
	ChannelID int64     `json:"channel_id"`
	UserID    int64     `json:"user_id"`
	MessageID int64     `json:"message_id"`
	Filename  string    `json:"filename"`
	ImageURL  string    `json:"image_url,omitempty"`
	Image     []byte    `json:"image"`
	Timestamp time.Time `json:"timestamp"`
}

// BulkImage is one attachment inside a bulk scan command.
type BulkImage struct {
	MessageID int64     `json:"message_id"`
	Filename  string    `json:"filename"`
	ImageURL  string    `json:"image_url,omitempty"`
	Image     []byte    `json:"image"`
	Timestamp time.Time `json:"timestamp"`
}

// CommandEvent is one slash command invocation.
type CommandEvent struct {
	GuildID   int64             `json:"guild_id"`
	ChannelID int64             `json:"channel_id"`
	UserID    int64             `json:"user_id"`
	Command   string            `json:"command"`
	Args      map[string]string `json:"args"`
	Images    []BulkImage       `json:"images,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Reply is the bot's answer, produced to the reply topic for the chat
// client to render.
type Reply struct {
	GuildID   int64  `json:"guild_id"`
	ChannelID int64  `json:"channel_id"`
	UserID    int64  `json:"user_id"`
	Content   string `json:"content"`
}
