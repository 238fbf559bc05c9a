package domain

import "time"

// MaxRecent bounds the public "recently watched" projection.
const MaxRecent = 4

// UserProfile is the per-identity profile document, keyed by identity.
type UserProfile struct {
	UID                   string       `json:"uid"`
	Name                  string       `json:"name"`
	Email                 string       `json:"email"`
	PhotoURL              string       `json:"photoURL"`
	StatusMessage         string       `json:"statusMessage"`
	FavoriteAnime         string       `json:"favoriteAnime"`
	IsFavoriteAnimePublic bool         `json:"isFavoriteAnimePublic"`
	IsRecentAnimesPublic  bool         `json:"isRecentAnimesPublic"`
	RecentAnimes          []string     `json:"recentAnimes"`
	CustomUID             string       `json:"customUID"`
	Friends               []string     `json:"friends"`
	MyList                []MyListItem `json:"myList"`
	CreatedAt             time.Time    `json:"createdAt"`
}

// NewUserProfile creates the default profile written on first access.
func NewUserProfile(uid, name, email, photoURL, handle string, now time.Time) *UserProfile {
	return &UserProfile{
		UID:          uid,
		Name:         name,
		Email:        email,
		PhotoURL:     photoURL,
		RecentAnimes: []string{},
		CustomUID:    handle,
		Friends:      []string{},
		MyList:       []MyListItem{},
		CreatedAt:    now,
	}
}

// HasFriend reports whether handle is already in the friends set.
func (p *UserProfile) HasFriend(handle string) bool {
	for _, f := range p.Friends {
		if f == handle {
			return true
		}
	}
	return false
}

// MyListItem is an entry in a user's plan-to-watch list.
type MyListItem struct {
	Title   string    `json:"title"`
	AddedAt time.Time `json:"addedAt"`
}

// ProfileEdit holds the user-editable profile fields.
type ProfileEdit struct {
	Name                  string `json:"name" validate:"max=100"`
	PhotoURL              string `json:"photoURL" validate:"omitempty,url"`
	StatusMessage         string `json:"statusMessage" validate:"max=200"`
	FavoriteAnime         string `json:"favoriteAnime" validate:"max=200"`
	IsFavoriteAnimePublic bool   `json:"isFavoriteAnimePublic"`
	IsRecentAnimesPublic  bool   `json:"isRecentAnimesPublic"`
}

// PublicProfile is what other users may see of a profile.
type PublicProfile struct {
	UID           string   `json:"uid"`
	Name          string   `json:"name"`
	PhotoURL      string   `json:"photoURL"`
	StatusMessage string   `json:"statusMessage"`
	CustomUID     string   `json:"customUID"`
	FavoriteAnime string   `json:"favoriteAnime,omitempty"`
	RecentAnimes  []string `json:"recentAnimes"`
}

// Public projects the profile through its visibility flags.
func (p *UserProfile) Public() PublicProfile {
	out := PublicProfile{
		UID:           p.UID,
		Name:          p.Name,
		PhotoURL:      p.PhotoURL,
		StatusMessage: p.StatusMessage,
		CustomUID:     p.CustomUID,
		RecentAnimes:  []string{},
	}
	if p.IsFavoriteAnimePublic {
		out.FavoriteAnime = p.FavoriteAnime
	}
	if p.IsRecentAnimesPublic && len(p.RecentAnimes) > 0 {
		out.RecentAnimes = append(out.RecentAnimes, p.RecentAnimes...)
	}
	return out
}

// HandleClaim is a registry entry binding a handle to its owner forever.
type HandleClaim struct {
	AuthUID   string    `json:"authUid"`
	CreatedAt time.Time `json:"createdAt"`
}

// Caller identifies the signed-in user performing a social operation.
type Caller struct {
	Identity string
	Handle   string
	Name     string
}
