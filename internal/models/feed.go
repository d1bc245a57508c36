package models

// FeedQuery mirrors the parameters of get_passenger_feed / get_driver_feed.
// RideTiming is only honoured by driver feeds.
type FeedQuery struct {
	UserID      string
	Category    FeedCategory
	ServiceType string
	RideTiming  RideTiming
	Limit       int
	Offset      int
}

// FeedTransition is a confirmed change of a ride's category for one actor.
type FeedTransition struct {
	Actor  ActorType
	UserID string
	RideID string
	From   FeedCategory
	To     FeedCategory
	Ride   Ride
}
