package api

import (
	"context"
	"fmt"
	"net/url"
)

// ListVehicles returns the vehicles registered to the account
func (c *Client) ListVehicles(ctx context.Context) ([]Vehicle, error) {
	resp, err := Fetch[vehiclesResponse](ctx, c, "/vehicle/v2/vehicles")
	if err != nil {
		return nil, fmt.Errorf("failed to list vehicles: %w", err)
	}
	return resp.Data, nil
}

// GetChargingStatus returns the charging state of one vehicle
func (c *Client) GetChargingStatus(ctx context.Context, vin string) (*Charge, error) {
	path := fmt.Sprintf("/vehicle/v1/vehicles/%s/selectivestatus?jobs=charging", url.PathEscape(vin))

	resp, err := Fetch[chargingResponse](ctx, c, path)
	if err != nil {
		return nil, fmt.Errorf("failed to get charging status for %s: %w", vin, err)
	}

	battery := resp.Charging.BatteryStatus.Value
	status := resp.Charging.ChargingStatus.Value
	plug := resp.Charging.PlugStatus.Value

	return &Charge{
		VIN:                 vin,
		CapturedAt:          battery.CarCapturedTimestamp,
		CurrentSOC:          battery.CurrentSOCPct,
		CruisingRangeKm:     battery.CruisingRangeElectricKm,
		ChargingState:       status.ChargingState,
		ChargeMode:          status.ChargeMode,
		ChargePowerKW:       status.ChargePowerKW,
		RemainingMinutes:    status.RemainingChargingTimeToCompleteMin,
		PlugConnectionState: plug.PlugConnectionState,
		PlugLockState:       plug.PlugLockState,
	}, nil
}
