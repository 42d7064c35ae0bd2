package reader

import "fmt"

// Policy tunes who reads what and how comments are rewarded. It may be
// replaced at runtime with Dispatcher.SetPolicy.
type Policy struct {
	// TopBooks is how many books, hottest first, get readers.
	TopBooks int `mapstructure:"top_books" validate:"gte=1"`
	// ReadersPerBook is how many commentators are sampled per chapter.
	ReadersPerBook int `mapstructure:"readers_per_book" validate:"gte=1"`
	// Threshold is the lowest rating that is kept.
	Threshold int `mapstructure:"threshold" validate:"gte=1,lte=10"`
	// HighRating triggers the author gift for agents with auto gift enabled.
	HighRating int `mapstructure:"high_rating" validate:"gte=1,lte=10"`

	LowGrant    int64 `mapstructure:"low_grant" validate:"gte=0"`
	MediumGrant int64 `mapstructure:"medium_grant" validate:"gte=0"`
	HighGrant   int64 `mapstructure:"high_grant" validate:"gte=0"`
}

// DefaultPolicy is used when nothing is configured.
var DefaultPolicy = Policy{
	TopBooks:       10,
	ReadersPerBook: 3,
	Threshold:      4,
	HighRating:     8,
	LowGrant:       5,
	MediumGrant:    10,
	HighGrant:      20,
}

// Grant is the wallet reward for a kept comment: low below 6, medium for
// 6 and 7, high from 8.
func (p Policy) Grant(rating int) int64 {
	switch {
	case rating >= 8:
		return p.HighGrant
	case rating >= 6:
		return p.MediumGrant
	default:
		return p.LowGrant
	}
}

func (p Policy) String() string {
	return fmt.Sprintf("top=%d readers=%d threshold=%d high=%d", p.TopBooks, p.ReadersPerBook, p.Threshold, p.HighRating)
}
