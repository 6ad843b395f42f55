package client

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/meterkit/flowd/pkg/calibration"
	"github.com/meterkit/flowd/pkg/config"
	"github.com/meterkit/flowd/pkg/events"
	"github.com/meterkit/flowd/pkg/flowinfo"
	"github.com/meterkit/flowd/pkg/meter"
)

func (c *Client) GetStatus() (*flowinfo.Status, error) {
	ret, err := c.Get("/status")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get meter status")
	}

	var st flowinfo.Status
	if err := json.Unmarshal([]byte(ret), &st); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal meter status")
	}
	return &st, nil
}

func (c *Client) GetFlowrate() (float64, error) {
	ret, err := c.Get("/flowrate")
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "failed to get flowrate")
	}
	return parseFloatResponse(ret)
}

func (c *Client) GetVolume() (float64, error) {
	ret, err := c.Get("/volume")
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "failed to get total volume")
	}
	return parseFloatResponse(ret)
}

func (c *Client) GetTotals() (*flowinfo.Totals, error) {
	ret, err := c.Get("/totals")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get totals")
	}

	var t flowinfo.Totals
	if err := json.Unmarshal([]byte(ret), &t); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal totals")
	}
	return &t, nil
}

func (c *Client) GetSensor() (string, error) {
	ret, err := c.Get("/sensor")
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to get sensor name")
	}

	var name string
	if err := json.Unmarshal([]byte(ret), &name); err != nil {
		return "", pkgerrors.Wrapf(err, "failed to unmarshal sensor name")
	}
	return name, nil
}

func (c *Client) SetSensor(name string) (string, error) {
	payload, err := json.Marshal(name)
	if err != nil {
		return "", err
	}
	return c.Put("/sensor", string(payload))
}

func (c *Client) GetProfile() (*meter.SensorProperties, error) {
	ret, err := c.Get("/profile")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get sensor profile")
	}

	var props meter.SensorProperties
	if err := json.Unmarshal([]byte(ret), &props); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal sensor profile")
	}
	return &props, nil
}

func (c *Client) SetProfile(props meter.SensorProperties) (string, error) {
	payload, err := json.Marshal(props)
	if err != nil {
		return "", err
	}
	return c.Put("/profile", string(payload))
}

func (c *Client) SetCapacity(lpm float64) (string, error) {
	return c.Put("/capacity", strconv.FormatFloat(lpm, 'f', -1, 64))
}

func (c *Client) SetKFactor(k float64) (string, error) {
	return c.Put("/k-factor", strconv.FormatFloat(k, 'f', -1, 64))
}

func (c *Client) SetMeterFactor(decile int, factor float64) (string, error) {
	payload, err := json.Marshal(struct {
		Decile int     `json:"decile"`
		Factor float64 `json:"factor"`
	}{Decile: decile, Factor: factor})
	if err != nil {
		return "", err
	}
	return c.Put("/meter-factor", string(payload))
}

func (c *Client) GetTickInterval() (time.Duration, error) {
	ret, err := c.Get("/tick-interval")
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "failed to get tick interval")
	}

	ms, err := strconv.Atoi(strings.TrimSpace(ret))
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "failed to parse tick interval")
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (c *Client) SetTickInterval(d time.Duration) (string, error) {
	return c.Put("/tick-interval", strconv.Itoa(int(d/time.Millisecond)))
}

// Reset clears the running period and pending pulses; totals are kept.
func (c *Client) Reset() (string, error) {
	return c.Post("/reset", "")
}

// ResetTotals closes the accounting interval and starts over from zero.
func (c *Client) ResetTotals() (string, error) {
	return c.Post("/reset-totals", "")
}

// Tick forces a sampling period to close immediately and returns the
// resulting status.
func (c *Client) Tick() (*flowinfo.Status, error) {
	ret, err := c.Post("/tick", "")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to force a tick")
	}

	var st flowinfo.Status
	if err := json.Unmarshal([]byte(ret), &st); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal meter status")
	}
	return &st, nil
}

func (c *Client) GetSchedule() (*flowinfo.ScheduleInfo, error) {
	ret, err := c.Get("/schedule")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get schedule")
	}

	var si flowinfo.ScheduleInfo
	if err := json.Unmarshal([]byte(ret), &si); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal schedule")
	}
	return &si, nil
}

// SetSchedule sets the report cron expression; an empty expression disables
// scheduled reports.
func (c *Client) SetSchedule(cronExpr string) (string, error) {
	payload, err := json.Marshal(cronExpr)
	if err != nil {
		return "", err
	}
	return c.Put("/schedule", string(payload))
}

func (c *Client) SetScheduleResetsTotals(enabled bool) (string, error) {
	return c.Put("/schedule/resets-totals", strconv.FormatBool(enabled))
}

func (c *Client) SkipSchedule() (string, error) {
	return c.Post("/schedule/skip", "")
}

func (c *Client) PostponeSchedule(d time.Duration) (string, error) {
	return c.Post("/schedule/postpone", strconv.Itoa(int(d/time.Second)))
}

func (c *Client) GetCalibration() (*calibration.Status, error) {
	ret, err := c.Get("/calibration")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get calibration status")
	}

	var st calibration.Status
	if err := json.Unmarshal([]byte(ret), &st); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal calibration status")
	}
	return &st, nil
}

func (c *Client) StartCalibration() (string, error) {
	return c.Post("/calibration/start", "")
}

func (c *Client) StopCalibration() (string, error) {
	return c.Post("/calibration/stop", "")
}

// SubmitCalibration reports the reference vessel volume in liters for a
// stopped draw test.
func (c *Client) SubmitCalibration(referenceLiters float64) (string, error) {
	return c.Post("/calibration/submit", strconv.FormatFloat(referenceLiters, 'f', -1, 64))
}

func (c *Client) CancelCalibration() (string, error) {
	return c.Post("/calibration/cancel", "")
}

func (c *Client) GetTelemetry() (*flowinfo.Telemetry, error) {
	ret, err := c.Get("/telemetry")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get telemetry")
	}

	var tel flowinfo.Telemetry
	if err := json.Unmarshal([]byte(ret), &tel); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal telemetry")
	}
	return &tel, nil
}

func (c *Client) GetConfig() (*config.RawFileConfig, error) {
	ret, err := c.Get("/config")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get config")
	}

	var conf config.RawFileConfig
	if err := json.Unmarshal([]byte(ret), &conf); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal config")
	}

	return &conf, nil
}

func (c *Client) GetVersion() (string, error) {
	ret, err := c.Get("/version")
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to get version")
	}
	// Remove "" around JSON string. I don't want to use a JSON decoder just for this.
	ret = ret[1 : len(ret)-1] // remove the surrounding quotes
	return ret, nil
}

// SubscribeEvents opens the daemon's SSE stream and delivers decoded events
// on the returned channel. The channel closes when ctx is canceled or the
// connection drops; callers that need resilience should resubscribe.
func (c *Client) SubscribeEvents(ctx context.Context) <-chan events.Event {
	ch := make(chan events.Event, 8)

	go func() {
		defer close(ch)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://unix/events", nil)
		if err != nil {
			logrus.Errorf("failed to create events request: %v", err)
			return
		}
		req.Header.Set("Accept", "text/event-stream")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			logrus.WithError(err).Debug("events subscription ended")
			return
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				logrus.Errorf("failed to close response body: %v", err)
			}
		}()

		if resp.StatusCode != http.StatusOK {
			logrus.Errorf("events subscription got %d", resp.StatusCode)
			return
		}

		var name string
		var data []byte

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				// Blank line terminates one event.
				if name != "" || len(data) > 0 {
					select {
					case ch <- events.Event{Name: name, Data: json.RawMessage(data)}:
					case <-ctx.Done():
						return
					}
				}
				name = ""
				data = nil
			case strings.HasPrefix(line, "event:"):
				name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				chunk := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
				if len(data) > 0 {
					data = append(data, '\n')
				}
				data = append(data, chunk...)
			}
		}
	}()

	return ch
}

func parseFloatResponse(resp string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(resp), 64)
	if err != nil {
		return 0, pkgerrors.Errorf("unexpected response: %s", resp)
	}
	return v, nil
}
