package tools

import "github.com/clawplaza/monody/internal/config"

// Defaults returns the built-in network tools configured from cfg.
// Tools whose API keys are missing are still registered; they report
// "not configured" to the model when called.
func Defaults(cfg *config.ToolsConfig) []Handler {
	c := NewClient(cfg.UserAgent)
	geocoder := NewGeocoder(c, cfg.HereAPIKey, "")
	return []Handler{
		NewFetchURL(c, cfg.FetchMaxChars),
		NewWebSearch(c, cfg.GoogleAPIKey, cfg.GoogleSearchEngineID, "").Tool(),
		geocoder.Tool(),
		NewWeather(c, geocoder, cfg.PirateWeatherAPIKey, "").Tool(),
		NewBluesky(c, "").Tool(),
	}
}
