package sink

import (
	"context"
	"fmt"
	"time"

	"lookout/api_telemetry/internal/models"
)

// UpsertDevice writes the latest known state of a device. FirstSeenAt is
// carried by the caller so replacing the row keeps it stable.
func (w *Writer) UpsertDevice(ctx context.Context, d models.DeviceRecord) error {
	updatedAt := w.now().UTC()
	return w.insert(ctx, "devices", `
		INSERT INTO devices (
			app_id, device_id, platform, os_version, app_version, model, locale,
			country_code, city, first_seen_at, updated_at
		)`, 1, func(int) []interface{} {
		return []interface{}{
			d.AppID, d.DeviceID, d.Platform, d.OSVersion, d.AppVersion, d.Model, d.Locale,
			d.CountryCode, d.City, d.FirstSeenAt, updatedAt,
		}
	})
}

// UpsertSession records a session opening.
func (w *Writer) UpsertSession(ctx context.Context, s models.SessionRecord) error {
	updatedAt := w.now().UTC()
	return w.insert(ctx, "sessions", `
		INSERT INTO sessions (app_id, session_id, device_id, started_at, updated_at)`,
		1, func(int) []interface{} {
			return []interface{}{s.AppID, s.SessionID, s.DeviceID, s.StartedAt, updatedAt}
		})
}

// LastActivityAt returns the latest durable activity for a session, falling
// back to its start time. ErrNotFound means neither exists.
func (w *Writer) LastActivityAt(ctx context.Context, appID, sessionID string) (time.Time, error) {
	queries := []string{
		`SELECT last_activity_at FROM session_activity
		 WHERE app_id = ? AND session_id = ?
		 ORDER BY last_activity_at DESC LIMIT 1`,
		`SELECT started_at FROM sessions
		 WHERE app_id = ? AND session_id = ?
		 ORDER BY updated_at DESC LIMIT 1`,
	}
	for _, q := range queries {
		ts, ok, err := w.queryTime(ctx, q, appID, sessionID)
		if err != nil {
			return time.Time{}, err
		}
		if ok {
			return ts, nil
		}
	}
	return time.Time{}, ErrNotFound
}

func (w *Writer) queryTime(ctx context.Context, query string, args ...interface{}) (time.Time, bool, error) {
	rows, err := w.conn.Query(ctx, query, args...)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query session time: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return time.Time{}, false, fmt.Errorf("read session time: %w", err)
		}
		return time.Time{}, false, nil
	}
	var ts time.Time
	if err := rows.Scan(&ts); err != nil {
		return time.Time{}, false, fmt.Errorf("scan session time: %w", err)
	}
	return ts, true, nil
}

// OnlineSnapshot counts distinct devices with session activity at or after
// since, broken down by platform and country. buffered names sessions whose
// recent activity has not been flushed yet; they count as online too.
func (w *Writer) OnlineSnapshot(ctx context.Context, appID string, since time.Time, buffered []string) (models.OnlineSnapshot, error) {
	active := `
			SELECT session_id
			FROM session_activity
			WHERE app_id = ?
			GROUP BY session_id
			HAVING max(last_activity_at) >= ?`
	args := []interface{}{appID, since.UTC()}
	if len(buffered) > 0 {
		active += `
			UNION DISTINCT
			SELECT session_id
			FROM sessions
			WHERE app_id = ? AND session_id IN (?)`
		args = append(args, appID, buffered)
	}
	args = append(args, appID, appID)

	rows, err := w.conn.Query(ctx, `
		SELECT
			ifNull(d.platform, '') AS platform,
			ifNull(d.country_code, '') AS country_code,
			uniqExact(s.device_id) AS devices
		FROM (`+active+`
		) AS a
		INNER JOIN (
			SELECT session_id, any(device_id) AS device_id
			FROM sessions
			WHERE app_id = ?
			GROUP BY session_id
		) AS s ON s.session_id = a.session_id
		LEFT JOIN (
			SELECT device_id,
				argMax(platform, updated_at) AS platform,
				argMax(country_code, updated_at) AS country_code
			FROM devices
			WHERE app_id = ?
			GROUP BY device_id
		) AS d ON d.device_id = s.device_id
		GROUP BY platform, country_code`, args...)
	if err != nil {
		return models.OnlineSnapshot{}, fmt.Errorf("query online snapshot: %w", err)
	}
	defer func() { _ = rows.Close() }()

	snap := models.EmptySnapshot(w.now().UTC())
	for rows.Next() {
		var platform, country string
		var devices uint64
		if err := rows.Scan(&platform, &country, &devices); err != nil {
			return models.OnlineSnapshot{}, fmt.Errorf("scan online snapshot: %w", err)
		}
		n := int(devices)
		snap.Total += n
		if platform == "" {
			platform = "unknown"
		}
		snap.Platforms[platform] += n
		if country != "" {
			snap.Countries[country] += n
		}
	}
	if err := rows.Err(); err != nil {
		return models.OnlineSnapshot{}, fmt.Errorf("read online snapshot: %w", err)
	}
	return snap, nil
}
