package download

import "strings"

// Message keys requested from the localization collaborator.
const (
	MsgDownloadStarted   = "download.started"
	MsgDownloadCompleted = "download.completed"
	MsgDownloadCancelled = "download.cancelled"
	MsgDownloadFailed    = "download.failed"
	MsgNoActiveDownload  = "download.no_active"
	MsgUnknownTitle      = "metadata.unknown_title"
	MsgUnknownDuration   = "metadata.unknown_duration"
)

// Messages resolves user-facing text by key.
type Messages interface {
	Text(key string) string
}

// Catalog is a static key to text table. Missing keys echo the key.
type Catalog map[string]string

// Text returns the entry for key or the key itself.
func (c Catalog) Text(key string) string {
	if text, ok := c[key]; ok {
		return text
	}
	return key
}

// DefaultMessages is the built-in English catalog.
var DefaultMessages = Catalog{
	MsgDownloadStarted:   "Starting download...",
	MsgDownloadCompleted: "Download completed.",
	MsgDownloadCancelled: "Download cancelled by user.",
	MsgDownloadFailed:    "Download failed",
	MsgNoActiveDownload:  "No active download to cancel.",
	MsgUnknownTitle:      "Unknown Title",
	MsgUnknownDuration:   "Unknown Duration",
}

// GermanMessages is the built-in German catalog.
var GermanMessages = Catalog{
	MsgDownloadStarted:   "Download wird gestartet...",
	MsgDownloadCompleted: "Download abgeschlossen.",
	MsgDownloadCancelled: "Download vom Benutzer abgebrochen.",
	MsgDownloadFailed:    "Download fehlgeschlagen",
	MsgNoActiveDownload:  "Kein aktiver Download zum Abbrechen.",
	MsgUnknownTitle:      "Unbekannter Titel",
	MsgUnknownDuration:   "Unbekannte Dauer",
}

// MessagesFor picks a catalog by language code, defaulting to English.
func MessagesFor(language string) Messages {
	switch strings.ToLower(strings.TrimSpace(language)) {
	case "de", "de-de", "german", "deutsch":
		return GermanMessages
	default:
		return DefaultMessages
	}
}
