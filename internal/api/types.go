package api

import (
	"fmt"
	"time"
)

// Vehicle is one entry of the garage list
type Vehicle struct {
	VIN              string       `json:"vin"`
	Role             string       `json:"role"`
	UserRoleStatus   string       `json:"userRoleStatus"`
	Model            string       `json:"model"`
	Nickname         string       `json:"nickname"`
	EnrollmentStatus string       `json:"enrollmentStatus"`
	Capabilities     []Capability `json:"capabilities"`
}

// Capability is a vehicle feature flag
type Capability struct {
	ID                   string `json:"id"`
	UserDisablingAllowed bool   `json:"userDisablingAllowed"`
}

// vehiclesResponse is the envelope of GET /vehicle/v2/vehicles
type vehiclesResponse struct {
	Data []Vehicle `json:"data"`
}

// chargingResponse is the envelope of the selective status charging job
type chargingResponse struct {
	Charging struct {
		BatteryStatus struct {
			Value struct {
				CarCapturedTimestamp    time.Time `json:"carCapturedTimestamp"`
				CurrentSOCPct           int       `json:"currentSOC_pct"`
				CruisingRangeElectricKm int       `json:"cruisingRangeElectric_km"`
			} `json:"value"`
		} `json:"batteryStatus"`
		ChargingStatus struct {
			Value struct {
				ChargingState                      string  `json:"chargingState"`
				ChargeMode                         string  `json:"chargeMode"`
				ChargePowerKW                      float64 `json:"chargePower_kW"`
				RemainingChargingTimeToCompleteMin int     `json:"remainingChargingTimeToComplete_min"`
			} `json:"value"`
		} `json:"chargingStatus"`
		PlugStatus struct {
			Value struct {
				PlugConnectionState string `json:"plugConnectionState"`
				PlugLockState       string `json:"plugLockState"`
			} `json:"value"`
		} `json:"plugStatus"`
	} `json:"charging"`
}

// Charge is the flattened charging state of one vehicle
type Charge struct {
	VIN                 string    `json:"vin"`
	CapturedAt          time.Time `json:"capturedAt"`
	CurrentSOC          int       `json:"currentSoc"`
	CruisingRangeKm     int       `json:"cruisingRangeKm"`
	ChargingState       string    `json:"chargingState"`
	ChargeMode          string    `json:"chargeMode,omitempty"`
	ChargePowerKW       float64   `json:"chargePowerKw"`
	RemainingMinutes    int       `json:"remainingMinutes"`
	PlugConnectionState string    `json:"plugConnectionState"`
	PlugLockState       string    `json:"plugLockState,omitempty"`
}

// IsPlugConnected reports whether the charging cable is plugged in
func (c *Charge) IsPlugConnected() bool {
	return c.PlugConnectionState == "connected"
}

// IsCharging reports whether the vehicle is currently charging
func (c *Charge) IsCharging() bool {
	return c.ChargingState == "charging"
}

// BackendRequestError represents an error from the backend API
type BackendRequestError struct {
	StatusCode int // 0 for transport failures
	Message    string
	Retryable  bool
	Fatal      bool // If true, abort the whole run
	Err        error
}

func (e *BackendRequestError) Error() string {
	if e.StatusCode == 0 {
		return e.Message
	}
	return fmt.Sprintf("backend request failed (status %d): %s", e.StatusCode, e.Message)
}

func (e *BackendRequestError) Unwrap() error { return e.Err }

// NewBackendRequestError creates a new backend error
func NewBackendRequestError(statusCode int, message string) *BackendRequestError {
	retryable := statusCode == 429 || (statusCode >= 500 && statusCode < 600)
	return &BackendRequestError{
		StatusCode: statusCode,
		Message:    message,
		Retryable:  retryable,
	}
}
