package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/tis24dev/rcbackup/pkg/utils"
)

func buildPayload(format string, data *NotificationData) map[string]any {
	switch strings.ToLower(format) {
	case "slack":
		return buildSlackPayload(data)
	case "discord":
		return buildDiscordPayload(data)
	default:
		return buildGenericPayload(data)
	}
}

func statusEmoji(s Status) string {
	if s == StatusSuccess {
		return "✅"
	}
	return "❌"
}

func headline(data *NotificationData) string {
	return fmt.Sprintf("%s rcbackup %s: %s on %s", statusEmoji(data.Status), data.Job, data.Status, data.Hostname)
}

func buildGenericPayload(data *NotificationData) map[string]any {
	payload := map[string]any{
		"status":        data.Status.String(),
		"job":           data.Job,
		"run_id":        data.RunID,
		"hostname":      data.Hostname,
		"version":       data.Version,
		"state":         data.State.String(),
		"timestamp":     data.Time.UTC().Format(time.RFC3339),
		"duration_secs": data.Duration.Seconds(),
		"files":         data.Files,
		"size_excluded": data.SizeExcluded,
		"archive_bytes": data.ArchiveBytes,
		"encrypted":     data.Encrypted,
		"exit_code":     data.ExitCode,
	}
	if data.Location != "" {
		payload["location"] = data.Location
	}
	if data.Error != "" {
		payload["error"] = data.Error
	}
	return payload
}

func detailLines(data *NotificationData) []string {
	lines := []string{
		fmt.Sprintf("Files: %d (%d over size limit)", data.Files, data.SizeExcluded),
		fmt.Sprintf("Archive: %s", utils.FormatBytes(data.ArchiveBytes)),
		fmt.Sprintf("Duration: %s", utils.FormatDuration(data.Duration)),
	}
	if data.Location != "" {
		lines = append(lines, "Location: "+data.Location)
	}
	if data.Error != "" {
		lines = append(lines, "Error: "+data.Error)
	}
	return lines
}

func buildSlackPayload(data *NotificationData) map[string]any {
	return map[string]any{
		"text": headline(data),
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{"type": "plain_text", "text": headline(data)},
			},
			map[string]any{
				"type": "section",
				"text": map[string]any{"type": "mrkdwn", "text": strings.Join(detailLines(data), "\n")},
			},
			map[string]any{
				"type": "context",
				"elements": []any{
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("rcbackup %s • run %s • exit code %d", data.Version, data.RunID, data.ExitCode)},
				},
			},
		},
	}
}

func buildDiscordPayload(data *NotificationData) map[string]any {
	color := 3066993 // green
	if data.Status != StatusSuccess {
		color = 15158332 // red
	}
	return map[string]any{
		"embeds": []any{
			map[string]any{
				"title":       headline(data),
				"description": strings.Join(detailLines(data), "\n"),
				"color":       color,
				"footer":      map[string]any{"text": fmt.Sprintf("rcbackup %s • exit code %d", data.Version, data.ExitCode)},
				"timestamp":   data.Time.UTC().Format(time.RFC3339),
			},
		},
	}
}
