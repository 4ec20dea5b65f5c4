package types

import "time"

// ChannelType identifies the meter sub-stream a record belongs to.
type ChannelType string

const (
	ChannelGeneral        ChannelType = "general"
	ChannelControlledLoad ChannelType = "controlledLoad"
	ChannelFeedIn         ChannelType = "feedIn"
)

// Interval record types as the API reports them.
const (
	IntervalTypeActual   = "ActualInterval"
	IntervalTypeCurrent  = "CurrentInterval"
	IntervalTypeForecast = "ForecastInterval"
)

type SiteChannel struct {
	Identifier string      `json:"identifier"`
	Type       ChannelType `json:"type"`
	Tariff     string      `json:"tariff"`
}

type Site struct {
	ID       string        `json:"id" db:"id"`
	Nmi      string        `json:"nmi" db:"nmi"`
	Network  string        `json:"network,omitempty"`
	Status   string        `json:"status,omitempty"`
	Channels []SiteChannel `json:"channels,omitempty"`
}

// AdvancedPrice is the API's forward price estimate band.
type AdvancedPrice struct {
	Low       float64 `json:"low"`
	Predicted float64 `json:"predicted"`
	High      float64 `json:"high"`
}

// PriceInterval is one half-hour price record for one channel.
// NemTime marks the end of the interval in market time and is part of the
// record's identity together with SiteID and ChannelType.
type PriceInterval struct {
	Type          string         `json:"type"`
	Duration      int            `json:"duration"`
	NemTime       time.Time      `json:"nemTime" db:"nem_time"`
	StartTime     time.Time      `json:"startTime" db:"start_time"`
	EndTime       time.Time      `json:"endTime" db:"end_time"`
	PerKwh        float64        `json:"perKwh" db:"per_kwh"`
	SpotPerKwh    float64        `json:"spotPerKwh" db:"spot_per_kwh"`
	Renewables    float64        `json:"renewables" db:"renewables"`
	ChannelType   ChannelType    `json:"channelType" db:"channel_type"`
	SpikeStatus   string         `json:"spikeStatus" db:"spike_status"`
	Descriptor    string         `json:"descriptor" db:"descriptor"`
	Estimate      bool           `json:"estimate" db:"estimate"`
	AdvancedPrice *AdvancedPrice `json:"advancedPrice,omitempty"`

	// Not on the wire; the site comes from the request path.
	SiteID string `json:"siteId,omitempty" db:"site_id"`
}

// UsageInterval is one half-hour metered usage record for one channel.
// Kwh is signed: positive is consumption, negative is export. Cost is in
// cents and signed the same way.
type UsageInterval struct {
	Type        string      `json:"type"`
	Duration    int         `json:"duration"`
	NemTime     time.Time   `json:"nemTime" db:"nem_time"`
	StartTime   time.Time   `json:"startTime" db:"start_time"`
	EndTime     time.Time   `json:"endTime" db:"end_time"`
	ChannelType ChannelType `json:"channelType" db:"channel_type"`
	ChannelID   string      `json:"channelIdentifier" db:"channel_id"`
	Kwh         float64     `json:"kwh" db:"kwh"`
	Cost        float64     `json:"cost" db:"cost"`
	PerKwh      float64     `json:"perKwh"`
	Quality     string      `json:"quality" db:"quality"`
	Descriptor  string      `json:"descriptor" db:"descriptor"`
	SpikeStatus string      `json:"spikeStatus"`

	SiteID string `json:"siteId,omitempty" db:"site_id"`
}

// ForecastInterval is a price interval captured from the forward curve.
// One fetch produces a batch sharing a ForecastGeneratedAt stamp, so the
// forecast history can be compared against what the price ended up being.
type ForecastInterval struct {
	PriceInterval
	ForecastGeneratedAt time.Time `json:"forecastGeneratedAt" db:"forecast_generated_at"`
}

// RenewableReading is the grid-wide renewables share for one interval.
type RenewableReading struct {
	Type       string    `json:"type"`
	Duration   int       `json:"duration"`
	NemTime    time.Time `json:"nemTime" db:"nem_time"`
	Renewables float64   `json:"renewables" db:"renewables"`

	// Derived on fetch, not on the wire.
	State  string `json:"state,omitempty" db:"state"`
	Period string `json:"period,omitempty" db:"period"`
}

// RenewableReading periods.
const (
	RenewablePeriodActual   = "ACTUAL"
	RenewablePeriodForecast = "FORECAST"
)
