package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/repair-dispatch/internal/models"
)

// DefaultProfile is the OSRM routing profile used for technician travel.
const DefaultProfile = "driving"

// OSRMClient asks an OSRM server for the travel time between a technician
// and a job site.
type OSRMClient struct {
	BaseURL string
	Profile string
	HTTP    *http.Client
}

func NewOSRMClient(baseURL string) *OSRMClient {
	return &OSRMClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Profile: DefaultProfile,
		HTTP:    &http.Client{Timeout: 2 * time.Second},
	}
}

type osrmRoute struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Duration float64 `json:"duration"`
	} `json:"routes"`
}

func (o *OSRMClient) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.routeURL(from, to), http.NoBody)
	if err != nil {
		return 0, err
	}
	resp, err := o.HTTP.Do(req)
	if err != nil {
		return 0, fmt.Errorf("osrm: %w", err)
	}
	defer resp.Body.Close()

	// OSRM reports NoRoute and friends with a 400 and a JSON body
	var body osrmRoute
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("osrm: http %d: %w", resp.StatusCode, err)
	}
	if body.Code != "Ok" || len(body.Routes) == 0 {
		return 0, fmt.Errorf("osrm: http %d: %s %s", resp.StatusCode, body.Code, body.Message)
	}
	return body.Routes[0].Duration, nil
}

// routeURL builds /route/v1/{profile}/{lon},{lat};{lon},{lat}. OSRM takes
// longitude first.
func (o *OSRMClient) routeURL(from, to models.Coord) string {
	profile := o.Profile
	if profile == "" {
		profile = DefaultProfile
	}
	coords := lonLat(from) + ";" + lonLat(to)
	q := url.Values{"overview": {"false"}, "alternatives": {"false"}}
	return o.BaseURL + "/route/v1/" + url.PathEscape(profile) + "/" + coords + "?" + q.Encode()
}

func lonLat(c models.Coord) string {
	return strconv.FormatFloat(c.Lon, 'f', 6, 64) + "," + strconv.FormatFloat(c.Lat, 'f', 6, 64)
}
