package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/example/ride-feeds/internal/models"
)

// PostgresStore reaches the hosted backend's RPC functions over SQL. Feed
// functions return rows, rendered with row_to_json so the legacy column
// shapes go through the same normalization as realtime payloads.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func nullable(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

func (p *PostgresStore) PassengerFeed(ctx context.Context, q models.FeedQuery) ([]models.Ride, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT row_to_json(f) FROM get_passenger_feed($1, $2, $3, $4, $5) f`,
		q.UserID, string(q.Category), nullable(q.ServiceType), q.Limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("get_passenger_feed: %w", err)
	}
	return scanRides(rows)
}

func (p *PostgresStore) DriverFeed(ctx context.Context, q models.FeedQuery) ([]models.Ride, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT row_to_json(f) FROM get_driver_feed($1, $2, $3, $4, $5, $6) f`,
		q.UserID, string(q.Category), nullable(q.ServiceType), nullable(string(q.RideTiming)), q.Limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("get_driver_feed: %w", err)
	}
	return scanRides(rows)
}

func (p *PostgresStore) DriverOffers(ctx context.Context, driverID string) ([]models.Offer, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT row_to_json(o) FROM ride_offers o WHERE o.driver_id = $1`, driverID)
	if err != nil {
		return nil, fmt.Errorf("driver offers: %w", err)
	}
	defer rows.Close()

	var out []models.Offer
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		o, err := models.NormalizeOffer(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Ride(ctx context.Context, id string) (models.Ride, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx, `SELECT row_to_json(r) FROM rides r WHERE r.id = $1`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Ride{}, ErrRideNotFound
	}
	if err != nil {
		return models.Ride{}, fmt.Errorf("ride %s: %w", id, err)
	}
	var rec models.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return models.Ride{}, fmt.Errorf("ride %s: %w", id, err)
	}
	return models.NormalizeRide(rec)
}

func (p *PostgresStore) TransitionRideStatus(ctx context.Context, req TransitionRequest) (RPCResult, error) {
	return p.call(ctx, "transition_ride_status",
		`SELECT transition_ride_status($1, $2, $3, $4, $5)::json`,
		req.RideID, string(req.NewState), nullable(req.NewSubState), string(req.Actor), req.ActorID)
}

func (p *PostgresStore) AcceptDriverBid(ctx context.Context, req AcceptBidRequest) (RPCResult, error) {
	return p.call(ctx, "accept_driver_bid",
		`SELECT accept_driver_bid($1, $2, $3, $4)::json`,
		req.RideID, req.OfferID, req.DriverID, req.PassengerID)
}

func (p *PostgresStore) call(ctx context.Context, name, query string, args ...any) (RPCResult, error) {
	var raw []byte
	if err := p.db.QueryRowContext(ctx, query, args...).Scan(&raw); err != nil {
		return RPCResult{}, fmt.Errorf("%s: %w", name, err)
	}
	var res RPCResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return RPCResult{}, fmt.Errorf("%s: decode result: %w", name, err)
	}
	return res, nil
}

type scanner interface{ Scan(dest ...any) error }

func scanRecord(s scanner) (models.Record, error) {
	var raw []byte
	if err := s.Scan(&raw); err != nil {
		return nil, err
	}
	var rec models.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func scanRides(rows *sql.Rows) ([]models.Ride, error) {
	defer rows.Close()
	var out []models.Ride
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		r, err := models.NormalizeRide(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
