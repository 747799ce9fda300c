package comick

// TitleAlias is a `{title, language?}` pair as it appears in both search
// candidates and comic-detail payloads.
type TitleAlias struct {
	Title    string `json:"title"`
	Language string `json:"lang,omitempty"`
}

// CoverRef is one entry of a comic's cover list.
type CoverRef struct {
	B2Key string `json:"b2key"`
}

// SearchCandidate is one row of a `/v1.0/search/` response.
type SearchCandidate struct {
	Slug    string       `json:"slug"`
	Title   string       `json:"title"`
	Aliases []TitleAlias `json:"md_titles"`
	Covers  []CoverRef   `json:"md_covers"`
}

// Person is an author/artist credit.
type Person struct {
	Name string `json:"name"`
}

// GenreMapping is one genre tag attached to a comic.
type GenreMapping struct {
	Name string `json:"name"`
}

// MUCategoryVote is a MangaUpdates category vote carried on a comic
// response. Null vote fields cause the row to be skipped by callers, not
// the whole document (§4.11.1).
type MUCategoryVote struct {
	Name         string `json:"name"`
	PositiveVote *int   `json:"positiveVote"`
	NegativeVote *int   `json:"negativeVote"`
}

// Status codes carried on a comic-detail response (§3).
const (
	StatusUnknown   = 0
	StatusOngoing   = 1
	StatusCompleted = 2
	StatusLicensed  = 3
)

// ComicDetail is a `/comic/<slug>` response.
type ComicDetail struct {
	Slug            string           `json:"slug"`
	Title           string           `json:"title"`
	Aliases         []TitleAlias     `json:"md_titles"`
	Covers          []CoverRef       `json:"md_covers"`
	Description     string           `json:"desc"`
	DescriptionHTML string           `json:"parsed_desc"`
	Status          int              `json:"status"`
	Language        string           `json:"iso639_1"`
	Genres          []GenreMapping   `json:"genres"`
	MUCategories    []MUCategoryVote `json:"mu_categories"`
	Authors         []Person         `json:"authors"`
	Artists         []Person         `json:"artists"`
}
