package model

// Badge bucket names.
const (
	BucketHacker = "HACKER"
	BucketWins   = "WINS"
)

// Badge is a single credential badge descriptor.
type Badge struct {
	Name     string `json:"name"`
	ImageURL string `json:"imageUrl,omitempty"`
	Source   string `json:"source,omitempty"`
}

// BadgeBucket is a count plus the badges that produced it.
type BadgeBucket struct {
	Count int     `json:"count"`
	Items []Badge `json:"items"`
}

// Merge adds o's count and appends its items.
func (b BadgeBucket) Merge(o BadgeBucket) BadgeBucket {
	items := make([]Badge, 0, len(b.Items)+len(o.Items))
	items = append(items, b.Items...)
	items = append(items, o.Items...)
	return BadgeBucket{Count: b.Count + o.Count, Items: items}
}

// BadgeData holds the HACKER (participation) and WINS (placement) buckets.
type BadgeData struct {
	Hacker      BadgeBucket `json:"HACKER"`
	Wins        BadgeBucket `json:"WINS"`
	TotalBadges int         `json:"totalBadges"`
}

// EmptyBadges returns a zero-count result with non-nil item lists.
func EmptyBadges() BadgeData {
	return BadgeData{Hacker: BadgeBucket{Items: []Badge{}}, Wins: BadgeBucket{Items: []Badge{}}}
}

// Merge combines two results: counts sum, items concatenate.
func (b BadgeData) Merge(o BadgeData) BadgeData {
	out := BadgeData{
		Hacker: b.Hacker.Merge(o.Hacker),
		Wins:   b.Wins.Merge(o.Wins),
	}
	out.TotalBadges = out.Hacker.Count + out.Wins.Count
	return out
}
