package feed

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Post formats recognized across parsers. The format is advisory metadata
// for the hosting runtime; the pipeline passes it through untouched.
const (
	PostFormatStandard = "standard"
	PostFormatStatus   = "status"
	PostFormatImage    = "image"
	PostFormatAudio    = "audio"
	PostFormatVideo    = "video"
)

// Item is the canonical, protocol-independent representation of a remote
// post or activity. GUID is the dedup key: a protocol-native stable
// identifier (entry GUID, ActivityPub object id), never a content hash,
// because content may be edited while identity must persist.
type Item struct {
	GUID        string
	Title       string
	Body        string
	Author      string
	Permalink   string
	PublishedAt time.Time
	UpdatedAt   *time.Time
	Enclosures  []Enclosure
	PostFormat  string
	InReplyTo   string
	Raw         map[string]interface{} // opaque protocol metadata, passed through to storage
}

type Enclosure struct {
	URL    string
	Type   string
	Length int64
}

// Fingerprint summarizes the mutable content of the item. It detects
// edits on re-fetch; it is not an identity.
func (i Item) Fingerprint() string {
	updated := ""
	if i.UpdatedAt != nil {
		updated = i.UpdatedAt.UTC().Format(time.RFC3339)
	}
	content := fmt.Sprintf("%s|%s|%s", i.Title, i.Body, updated)

	hash := sha256.Sum256([]byte(content))
	return hex.EncodeToString(hash[:])
}
