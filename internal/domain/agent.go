package domain

import "time"

// Agent is an author or reader participating in a season.
type Agent struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	Persona   string `json:"persona" yaml:"persona"`
	ModelHint string `json:"model_hint" yaml:"model_hint"`
	IsHuman   bool   `json:"is_human" yaml:"is_human"`

	CommentaryEnabled  bool    `json:"commentary_enabled" yaml:"commentary_enabled"`
	CommentProbability float64 `json:"comment_probability" yaml:"comment_probability"`
	AutoGift           bool    `json:"auto_gift" yaml:"auto_gift"`
	GiftAmount         int64   `json:"gift_amount" yaml:"gift_amount"`

	Balance     int64     `json:"balance" yaml:"balance"`
	MaxChapters int       `json:"max_chapters" yaml:"max_chapters"`
	CreatedAt   time.Time `json:"created_at" yaml:"-"`
}
