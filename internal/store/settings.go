package store

import "context"

// DefaultCompositeAlertMinSeverity is applied when a user has never
// saved settings.
const DefaultCompositeAlertMinSeverity = "High"

type UserSettings struct {
	UserID                    int64
	CompositeAlertMinSeverity string
}

const getUserSettings = `
SELECT user_id, composite_alert_min_severity
FROM user_settings
WHERE user_id = $1`

func (q *Queries) GetUserSettings(ctx context.Context, userID int64) (UserSettings, error) {
	row := q.db.QueryRow(ctx, getUserSettings, userID)
	var s UserSettings
	err := row.Scan(&s.UserID, &s.CompositeAlertMinSeverity)
	return s, err
}

type UpsertUserSettingsParams struct {
	UserID                    int64
	CompositeAlertMinSeverity string
}

const upsertUserSettings = `
INSERT INTO user_settings (user_id, composite_alert_min_severity)
VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE SET composite_alert_min_severity = EXCLUDED.composite_alert_min_severity
RETURNING user_id, composite_alert_min_severity`

func (q *Queries) UpsertUserSettings(ctx context.Context, arg UpsertUserSettingsParams) (UserSettings, error) {
	row := q.db.QueryRow(ctx, upsertUserSettings, arg.UserID, arg.CompositeAlertMinSeverity)
	var s UserSettings
	err := row.Scan(&s.UserID, &s.CompositeAlertMinSeverity)
	return s, err
}
