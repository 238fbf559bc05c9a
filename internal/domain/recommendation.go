package domain

import "time"

// Recommendation is a directed, ephemeral message from one user to a friend.
type Recommendation struct {
	ID         string    `json:"-"`
	FromUID    string    `json:"fromUID"`
	FromName   string    `json:"fromName"`
	ToUID      string    `json:"toUID" validate:"required"`
	AnimeTitle string    `json:"animeTitle" validate:"notblank"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"createdAt"`
}
