package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/whisper/matchroom/internal/apperr"
	"github.com/whisper/matchroom/internal/domain"
	"github.com/whisper/matchroom/internal/store"
)

const userColumns = `id, gender, birth_date, lat, lon, interests, languages, goals,
	relationship_type, diet, zodiac, personality, religion, drinking, smoking, pets,
	credits, searching, searching_since, public_key, updated_at`

type userRow struct {
	ID               string          `db:"id"`
	Gender           sql.NullString  `db:"gender"`
	BirthDate        sql.NullTime    `db:"birth_date"`
	Lat              sql.NullFloat64 `db:"lat"`
	Lon              sql.NullFloat64 `db:"lon"`
	Interests        pq.StringArray  `db:"interests"`
	Languages        pq.StringArray  `db:"languages"`
	Goals            pq.StringArray  `db:"goals"`
	RelationshipType sql.NullString  `db:"relationship_type"`
	Diet             sql.NullString  `db:"diet"`
	Zodiac           sql.NullString  `db:"zodiac"`
	Personality      sql.NullString  `db:"personality"`
	Religion         sql.NullString  `db:"religion"`
	Drinking         sql.NullString  `db:"drinking"`
	Smoking          sql.NullString  `db:"smoking"`
	Pets             sql.NullString  `db:"pets"`
	Credits          int             `db:"credits"`
	Searching        bool            `db:"searching"`
	SearchingSince   sql.NullTime    `db:"searching_since"`
	PublicKey        []byte          `db:"public_key"`
	UpdatedAt        time.Time       `db:"updated_at"`
}

type nearbyRow struct {
	userRow
	DistanceKm float64 `db:"distance_km"`
}

func (r *userRow) toDomain() *domain.User {
	u := &domain.User{
		ID:               r.ID,
		Gender:           r.Gender.String,
		Interests:        []string(r.Interests),
		Languages:        []string(r.Languages),
		Goals:            []string(r.Goals),
		RelationshipType: r.RelationshipType.String,
		Lifestyle: domain.Lifestyle{
			Diet:        r.Diet.String,
			Zodiac:      r.Zodiac.String,
			Personality: r.Personality.String,
			Religion:    r.Religion.String,
			Drinking:    r.Drinking.String,
			Smoking:     r.Smoking.String,
			Pets:        r.Pets.String,
		},
		Credits:   r.Credits,
		Searching: r.Searching,
		PublicKey: r.PublicKey,
		UpdatedAt: r.UpdatedAt,
	}
	if r.BirthDate.Valid {
		t := r.BirthDate.Time
		u.BirthDate = &t
	}
	if r.Lat.Valid && r.Lon.Valid {
		u.Location = &domain.GeoPoint{Lat: r.Lat.Float64, Lon: r.Lon.Float64}
	}
	if r.SearchingSince.Valid {
		t := r.SearchingSince.Time
		u.SearchingSince = &t
	}
	return u
}

func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	var row userRow
	if err := sqlx.GetContext(ctx, s.q, &row, query, id); err != nil {
		return nil, notFound(err, "get user")
	}
	return row.toDomain(), nil
}

func (s *Store) GetUsers(ctx context.Context, ids []string) (map[string]*domain.User, error) {
	out := make(map[string]*domain.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query := `SELECT ` + userColumns + ` FROM users WHERE id = ANY($1)`

	var rows []userRow
	if err := sqlx.SelectContext(ctx, s.q, &rows, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("postgres: get users: %w", err)
	}
	for i := range rows {
		out[rows[i].ID] = rows[i].toDomain()
	}
	return out, nil
}

func (s *Store) SetSearching(ctx context.Context, id string, searching bool, at time.Time) error {
	query := `UPDATE users SET searching = $2, searching_since = $3 WHERE id = $1`

	since := sql.NullTime{Time: at, Valid: searching}
	res, err := s.q.ExecContext(ctx, query, id, searching, since)
	if err != nil {
		return fmt.Errorf("postgres: set searching: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("postgres: set searching %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

func (s *Store) ClaimSearching(ctx context.Context, id string) (bool, error) {
	query := `UPDATE users SET searching = false WHERE id = $1 AND searching`

	res, err := s.q.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("postgres: claim %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *Store) ReleaseSearching(ctx context.Context, id string) error {
	// SetSearching(false) clears searching_since; a claim keeps it.
	query := `UPDATE users SET searching = true
		WHERE id = $1 AND NOT searching AND searching_since IS NOT NULL`

	if _, err := s.q.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("postgres: release %s: %w", id, err)
	}
	return nil
}

func (s *Store) NearbySearching(ctx context.Context, q store.NearbyQuery) ([]domain.Candidate, error) {
	query := `SELECT * FROM (
		SELECT ` + userColumns + `,
			2 * 6371 * asin(sqrt(
				power(sin(radians(lat - $1) / 2), 2) +
				cos(radians($1)) * cos(radians(lat)) * power(sin(radians(lon - $2) / 2), 2)
			)) AS distance_km
		FROM users
		WHERE searching AND credits >= $3 AND id <> $4 AND lat IS NOT NULL AND lon IS NOT NULL
	) c
	WHERE distance_km <= $5
	ORDER BY distance_km, id
	LIMIT $6`

	var rows []nearbyRow
	err := sqlx.SelectContext(ctx, s.q, &rows, query,
		q.Center.Lat, q.Center.Lon, q.MinCredits, q.ExcludeID, q.RadiusKm, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: nearby searching: %w", err)
	}

	out := make([]domain.Candidate, 0, len(rows))
	for i := range rows {
		out = append(out, domain.Candidate{User: rows[i].toDomain(), DistanceKm: rows[i].DistanceKm})
	}
	return out, nil
}

type preferenceRow struct {
	UserID           string          `db:"user_id"`
	DesiredGenders   pq.StringArray  `db:"desired_genders"`
	AgeMin           sql.NullInt64   `db:"age_min"`
	AgeMax           sql.NullInt64   `db:"age_max"`
	MaxDistanceKm    sql.NullFloat64 `db:"max_distance_km"`
	PrimaryGoal      sql.NullString  `db:"primary_goal"`
	SecondaryGoal    sql.NullString  `db:"secondary_goal"`
	TertiaryGoal     sql.NullString  `db:"tertiary_goal"`
	RelationshipType sql.NullString  `db:"relationship_type"`
	Diet             sql.NullString  `db:"pref_diet"`
	Zodiac           sql.NullString  `db:"pref_zodiac"`
	Personality      sql.NullString  `db:"pref_personality"`
	Religion         sql.NullString  `db:"pref_religion"`
	Drinking         sql.NullString  `db:"pref_drinking"`
	Smoking          sql.NullString  `db:"pref_smoking"`
	Pets             sql.NullString  `db:"pref_pets"`
	Languages        pq.StringArray  `db:"pref_languages"`
	UpdatedAt        time.Time       `db:"updated_at"`
}

func (s *Store) GetPreference(ctx context.Context, userID string) (*domain.Preference, error) {
	query := `SELECT user_id, desired_genders, age_min, age_max, max_distance_km,
		primary_goal, secondary_goal, tertiary_goal, relationship_type,
		pref_diet, pref_zodiac, pref_personality, pref_religion, pref_drinking,
		pref_smoking, pref_pets, pref_languages, updated_at
		FROM preferences WHERE user_id = $1`

	var r preferenceRow
	if err := sqlx.GetContext(ctx, s.q, &r, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: get preference: %w", err)
	}

	return &domain.Preference{
		UserID:           r.UserID,
		DesiredGenders:   []string(r.DesiredGenders),
		AgeMin:           int(r.AgeMin.Int64),
		AgeMax:           int(r.AgeMax.Int64),
		MaxDistanceKm:    r.MaxDistanceKm.Float64,
		PrimaryGoal:      r.PrimaryGoal.String,
		SecondaryGoal:    r.SecondaryGoal.String,
		TertiaryGoal:     r.TertiaryGoal.String,
		RelationshipType: r.RelationshipType.String,
		Traits: domain.TraitPreferences{
			Diet:        r.Diet.String,
			Zodiac:      r.Zodiac.String,
			Personality: r.Personality.String,
			Religion:    r.Religion.String,
			Drinking:    r.Drinking.String,
			Smoking:     r.Smoking.String,
			Pets:        r.Pets.String,
			Languages:   []string(r.Languages),
		},
		UpdatedAt: r.UpdatedAt,
	}, nil
}

func (s *Store) AnswersFor(ctx context.Context, userIDs []string) (map[string]domain.AnswerSet, error) {
	out := make(map[string]domain.AnswerSet, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	query := `SELECT user_id, question_id, selection FROM answers WHERE user_id = ANY($1)`

	rows, err := s.q.QueryxContext(ctx, query, pq.Array(userIDs))
	if err != nil {
		return nil, fmt.Errorf("postgres: answers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var userID, questionID, selection string
		if err := rows.Scan(&userID, &questionID, &selection); err != nil {
			return nil, fmt.Errorf("postgres: scan answer: %w", err)
		}
		set, ok := out[userID]
		if !ok {
			set = make(domain.AnswerSet)
			out[userID] = set
		}
		set[questionID] = selection
	}
	return out, rows.Err()
}
