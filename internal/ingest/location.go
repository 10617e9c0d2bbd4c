package ingest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/example/repair-dispatch/internal/models"
)

// DecodeLocation parses and validates one location feed message.
func DecodeLocation(b []byte) (models.TechnicianAvailability, error) {
	var t models.TechnicianAvailability
	if err := json.Unmarshal(b, &t); err != nil {
		return models.TechnicianAvailability{}, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	if err := ValidateLocation(t); err != nil {
		return models.TechnicianAvailability{}, err
	}
	return t, nil
}

func ValidateLocation(t models.TechnicianAvailability) error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: technician_id required", models.ErrValidation)
	}
	if t.Loc.Lat < -90 || t.Loc.Lat > 90 || t.Loc.Lon < -180 || t.Loc.Lon > 180 {
		return fmt.Errorf("%w: coordinates out of range", models.ErrValidation)
	}
	return nil
}
