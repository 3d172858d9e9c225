package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

const (
	pirateWeatherURL = "https://api.pirateweather.net/forecast"
	forecastCacheTTL = 10 * time.Minute
)

// Forecast ranges and unit systems accepted by the weather tool.
const (
	RangeCurrent = "Current"
	RangeDaily   = "Daily"
	RangeHourly  = "Hourly"

	UnitsImperial = "Imperial"
	UnitsMetric   = "Metric"
)

// WeatherRequest is the input of the weather tool. Exactly one of
// LocationQuery or the Latitude+Longitude pair must be supplied.
type WeatherRequest struct {
	LocationQuery string   `json:"locationQuery" desc:"Place name, e.g. \"Raleigh, NC\". Use instead of coordinates." tool:"group=1,maxlen=256"`
	Latitude      *float64 `json:"latitude" desc:"Latitude in decimal degrees" tool:"group=2,min=-90,max=90"`
	Longitude     *float64 `json:"longitude" desc:"Longitude in decimal degrees" tool:"group=2,min=-180,max=180"`
	Range         string   `json:"range" desc:"Current conditions, a daily forecast or an hourly forecast" tool:"enum=Current|Daily|Hourly,default=Current"`
	Days          int      `json:"days" desc:"Number of days for a daily forecast" tool:"min=1,max=14,default=7"`
	Units         string   `json:"units" desc:"Unit system" tool:"enum=Imperial|Metric,default=Imperial"`
}

// validate enforces the exactly-one-of rule the schema advertises.
func (r WeatherRequest) validate() error {
	hasQuery := strings.TrimSpace(r.LocationQuery) != ""
	if (r.Latitude == nil) != (r.Longitude == nil) {
		return InvalidArgs("Both Latitude and Longitude must be provided together.")
	}
	hasCoords := r.Latitude != nil
	if hasQuery == hasCoords {
		return InvalidArgs("Provide either LocationQuery OR Latitude+Longitude (exactly one).")
	}
	return nil
}

// WeatherResponse is the output of the weather tool. Only the section
// matching the requested range is set.
type WeatherResponse struct {
	Location  string         `json:"location,omitempty"`
	Latitude  float64        `json:"latitude"`
	Longitude float64        `json:"longitude"`
	TimeZone  string         `json:"timeZone"`
	Units     string         `json:"units"`
	Current   *Conditions    `json:"current,omitempty"`
	Daily     []DayForecast  `json:"daily,omitempty"`
	Hourly    []HourForecast `json:"hourly,omitempty"`
	Alerts    []Alert        `json:"alerts,omitempty"`
}

// Conditions are the current observed conditions.
type Conditions struct {
	Summary           string  `json:"summary"`
	Icon              string  `json:"icon"`
	Temperature       float64 `json:"temperature"`
	FeelsLike         float64 `json:"feelsLike"`
	Humidity          float64 `json:"humidityPercent"`
	WindSpeed         float64 `json:"windSpeed"`
	WindGust          float64 `json:"windGust"`
	WindBearing       float64 `json:"windBearing"`
	PrecipProbability float64 `json:"precipProbabilityPercent"`
	High              float64 `json:"forecastHigh"`
	Low               float64 `json:"forecastLow"`
	UVIndex           float64 `json:"uvIndex"`
}

// DayForecast is one day of a daily forecast.
type DayForecast struct {
	Date              string  `json:"date"`
	Summary           string  `json:"summary"`
	Icon              string  `json:"icon"`
	High              float64 `json:"high"`
	Low               float64 `json:"low"`
	PrecipProbability float64 `json:"precipProbabilityPercent"`
}

// HourForecast is one hour of an hourly forecast.
type HourForecast struct {
	Time              string  `json:"time"`
	Summary           string  `json:"summary"`
	Temperature       float64 `json:"temperature"`
	FeelsLike         float64 `json:"feelsLike"`
	PrecipProbability float64 `json:"precipProbabilityPercent"`
	Humidity          float64 `json:"humidityPercent"`
	WindSpeed         float64 `json:"windSpeed"`
}

// Alert is an active weather alert.
type Alert struct {
	Title    string `json:"title"`
	Severity string `json:"severity"`
	Expires  string `json:"expires,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// forecast mirrors the subset of the Pirate Weather response we use.
type forecast struct {
	Timezone  string `json:"timezone"`
	Currently struct {
		Summary           string  `json:"summary"`
		Icon              string  `json:"icon"`
		Temperature       float64 `json:"temperature"`
		ApparentTemp      float64 `json:"apparentTemperature"`
		Humidity          float64 `json:"humidity"`
		WindSpeed         float64 `json:"windSpeed"`
		WindGust          float64 `json:"windGust"`
		WindBearing       float64 `json:"windBearing"`
		PrecipProbability float64 `json:"precipProbability"`
		UVIndex           float64 `json:"uvIndex"`
	} `json:"currently"`
	Hourly struct {
		Data []struct {
			Time              int64   `json:"time"`
			Summary           string  `json:"summary"`
			Temperature       float64 `json:"temperature"`
			ApparentTemp      float64 `json:"apparentTemperature"`
			PrecipProbability float64 `json:"precipProbability"`
			Humidity          float64 `json:"humidity"`
			WindSpeed         float64 `json:"windSpeed"`
		} `json:"data"`
	} `json:"hourly"`
	Daily struct {
		Data []struct {
			Time              int64   `json:"time"`
			Summary           string  `json:"summary"`
			Icon              string  `json:"icon"`
			TemperatureHigh   float64 `json:"temperatureHigh"`
			TemperatureLow    float64 `json:"temperatureLow"`
			PrecipProbability float64 `json:"precipProbability"`
		} `json:"data"`
	} `json:"daily"`
	Alerts []struct {
		Title    string `json:"title"`
		Severity string `json:"severity"`
		Expires  int64  `json:"expires"`
		URI      string `json:"uri"`
	} `json:"alerts"`
}

// Weather looks up forecasts from Pirate Weather, resolving place names
// through a Geocoder.
type Weather struct {
	client   *Client
	geocoder *Geocoder
	apiKey   string
	baseURL  string
	cache    *cache[*forecast]
}

// NewWeather creates the weather service. baseURL may be empty for the
// public endpoint.
func NewWeather(c *Client, geocoder *Geocoder, apiKey, baseURL string) *Weather {
	if baseURL == "" {
		baseURL = pirateWeatherURL
	}
	return &Weather{
		client:   c,
		geocoder: geocoder,
		apiKey:   apiKey,
		baseURL:  strings.TrimRight(baseURL, "/"),
		cache:    newCache[*forecast](512, forecastCacheTTL),
	}
}

func (w *Weather) fetch(ctx context.Context, lat, lon float64, units string) (*forecast, error) {
	if w.apiKey == "" {
		return nil, Failed(errors.New("weather is not configured"))
	}
	apiUnits := "us"
	if units == UnitsMetric {
		apiUnits = "si"
	}
	key := fmt.Sprintf("%.4f,%.4f,%s", lat, lon, apiUnits)
	return w.cache.get(key, func() (*forecast, error) {
		slog.Info("fetching forecast", "lat", lat, "lon", lon, "units", apiUnits)

		q := url.Values{}
		q.Set("units", apiUnits)
		q.Set("exclude", "minutely,flags")
		u := fmt.Sprintf("%s/%s/%f,%f?%s", w.baseURL, url.PathEscape(w.apiKey), lat, lon, q.Encode())

		var f forecast
		if err := w.client.getJSON(ctx, u, &f); err != nil {
			return nil, err
		}
		return &f, nil
	})
}

// Forecast answers a validated weather request.
func (w *Weather) Forecast(ctx context.Context, req WeatherRequest) (WeatherResponse, error) {
	if err := req.validate(); err != nil {
		return WeatherResponse{}, err
	}

	out := WeatherResponse{Units: req.Units}
	if query := strings.TrimSpace(req.LocationQuery); query != "" {
		loc, err := w.geocoder.Lookup(ctx, query)
		if err != nil {
			return WeatherResponse{}, err
		}
		out.Location = loc.Label()
		out.Latitude, out.Longitude = loc.Latitude, loc.Longitude
	} else {
		out.Latitude, out.Longitude = *req.Latitude, *req.Longitude
	}

	f, err := w.fetch(ctx, out.Latitude, out.Longitude, req.Units)
	if err != nil {
		return WeatherResponse{}, err
	}
	tz := loadZone(f.Timezone)
	out.TimeZone = f.Timezone

	switch req.Range {
	case RangeDaily:
		for i, d := range f.Daily.Data {
			if i >= req.Days {
				break
			}
			out.Daily = append(out.Daily, DayForecast{
				Date:              time.Unix(d.Time, 0).In(tz).Format("Mon Jan 2"),
				Summary:           d.Summary,
				Icon:              d.Icon,
				High:              d.TemperatureHigh,
				Low:               d.TemperatureLow,
				PrecipProbability: d.PrecipProbability * 100,
			})
		}
	case RangeHourly:
		for _, h := range f.Hourly.Data {
			out.Hourly = append(out.Hourly, HourForecast{
				Time:              time.Unix(h.Time, 0).In(tz).Format("Mon 3PM"),
				Summary:           h.Summary,
				Temperature:       h.Temperature,
				FeelsLike:         h.ApparentTemp,
				PrecipProbability: h.PrecipProbability * 100,
				Humidity:          h.Humidity * 100,
				WindSpeed:         h.WindSpeed,
			})
		}
	default:
		c := f.Currently
		cur := &Conditions{
			Summary:           c.Summary,
			Icon:              c.Icon,
			Temperature:       c.Temperature,
			FeelsLike:         c.ApparentTemp,
			Humidity:          c.Humidity * 100,
			WindSpeed:         c.WindSpeed,
			WindGust:          c.WindGust,
			WindBearing:       c.WindBearing,
			PrecipProbability: c.PrecipProbability * 100,
			UVIndex:           c.UVIndex,
		}
		if len(f.Daily.Data) > 0 {
			cur.High = f.Daily.Data[0].TemperatureHigh
			cur.Low = f.Daily.Data[0].TemperatureLow
		}
		out.Current = cur
	}

	for _, a := range f.Alerts {
		alert := Alert{Title: a.Title, Severity: a.Severity, URI: a.URI}
		if a.Expires > 0 {
			alert.Expires = time.Unix(a.Expires, 0).In(tz).Format(time.RFC1123)
		}
		out.Alerts = append(out.Alerts, alert)
	}
	return out, nil
}

func loadZone(name string) *time.Location {
	if loc, err := time.LoadLocation(name); err == nil && name != "" {
		return loc
	}
	return time.UTC
}

// Tool returns the weather handler.
func (w *Weather) Tool() Handler {
	return New("weather",
		"Get current conditions, a daily forecast or an hourly forecast. Supply either locationQuery or latitude+longitude, never both.",
		w.Forecast)
}
