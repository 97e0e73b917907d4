package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap is a JSON object column, used for audit log change details.
type JSONMap map[string]interface{}

// Scan implements the sql.Scanner interface for reading from database.
func (j *JSONMap) Scan(val interface{}) error {
	switch v := val.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	case nil:
		*j = nil
		return nil
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", v)
	}
}

// Value implements the driver.Valuer interface for writing to database.
// The JSON is stored as TEXT.
func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
