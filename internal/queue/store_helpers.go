package queue

import (
	"database/sql"
	"errors"
	"time"
)

const jobColumns = "id, acsm_path, manifest_hash, title, source_format, target_format, stage, artifact_path, error_kind, error_message, created_at, updated_at, finished_at, delivered_at"

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		id           string
		acsmPath     string
		manifestHash sql.NullString
		title        sql.NullString
		sourceFormat sql.NullString
		targetFormat string
		stage        string
		artifactPath sql.NullString
		errorKind    sql.NullString
		errorMessage sql.NullString
		createdRaw   sql.NullString
		updatedRaw   sql.NullString
		finishedRaw  sql.NullString
		deliveredRaw sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&acsmPath,
		&manifestHash,
		&title,
		&sourceFormat,
		&targetFormat,
		&stage,
		&artifactPath,
		&errorKind,
		&errorMessage,
		&createdRaw,
		&updatedRaw,
		&finishedRaw,
		&deliveredRaw,
	); err != nil {
		return nil, err
	}

	job := &Job{
		ID:           id,
		ACSMPath:     acsmPath,
		ManifestHash: manifestHash.String,
		Title:        title.String,
		SourceFormat: sourceFormat.String,
		TargetFormat: targetFormat,
		Stage:        Stage(stage),
		ArtifactPath: artifactPath.String,
		ErrorKind:    errorKind.String,
		ErrorMessage: errorMessage.String,
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		job.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		job.UpdatedAt = updated
	}
	job.FinishedAt = parseOptionalTime(finishedRaw)
	job.DeliveredAt = parseOptionalTime(deliveredRaw)
	return job, nil
}

func parseOptionalTime(raw sql.NullString) *time.Time {
	if !raw.Valid {
		return nil
	}
	parsed, err := parseTimeString(raw.String)
	if err != nil {
		return nil
	}
	return &parsed
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return formatTime(*value)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
