package download

import "media-downloader/internal/domain"

const (
	videoFormatSelector = "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best"
	audioFormatSelector = "bestaudio"
)

// BuildArgs builds the fetcher argv for one download. An empty
// transcoderPath leaves transcoder discovery to the fetcher itself.
func BuildArgs(req domain.DownloadRequest, transcoderPath string) []string {
	args := make([]string, 0, 16)
	if transcoderPath != "" {
		args = append(args, "--ffmpeg-location", transcoderPath)
	}

	switch req.Format {
	case domain.FormatAudioOnly:
		args = append(args,
			"-f", audioFormatSelector,
			"--extract-audio",
			"--audio-format", "mp3",
			"--audio-quality", "0",
		)
	default:
		args = append(args,
			"-f", videoFormatSelector,
			"--merge-output-format", "mp4",
		)
	}

	return append(args,
		"-o", req.DestinationTemplate,
		"--newline",
		"--no-playlist",
		"--",
		req.SourceURL,
	)
}

// buildMetadataArgs asks the fetcher to print a single field and exit.
func buildMetadataArgs(field, url string) []string {
	return []string{
		field,
		"--no-warnings",
		"--no-playlist",
		"--",
		url,
	}
}
