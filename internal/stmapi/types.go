package stmapi

// Prediction is one element of getStopPrediction's PredictionsData.
//
//	{"BusStop":2235,"CrossingStreetName":"Maraton","Destination":"INSTRUCCIONES",
//	 "ExpectedTime":26,"MainStreetName":"Gral.Flores","Route":"169","RouteID":411,
//	 "Type":1,"UnitID":1683,"UniversalAccess":false,"VariantId":1163}
type Prediction struct {
	BusStop            int    `json:"BusStop"`
	CrossingStreetName string `json:"CrossingStreetName"`
	Destination        string `json:"Destination"`
	ExpectedTime       int    `json:"ExpectedTime"`
	MainStreetName     string `json:"MainStreetName"`
	Route              string `json:"Route"`
	RouteID            int    `json:"RouteID"`
	Type               int    `json:"Type"`
	UnitID             int    `json:"UnitID"`
	UniversalAccess    bool   `json:"UniversalAccess"`
	VariantID          int    `json:"VariantId"`
}

// BusLocation is getBusLocation's BusLocationData.
type BusLocation struct {
	Latitude  float64 `json:"Latitude"`
	Longitude float64 `json:"Longitude"`
	UnitID    int     `json:"UnitID"`
	VariantID int     `json:"VariantId"`
}

// PathPoint is one element of GetBusPath's Points. Name is nil when the
// gateway omits it.
type PathPoint struct {
	Sequence   int     `json:"Sequence"`
	ExternalID int     `json:"ExternalId"`
	Name       *string `json:"Name"`
	Type       int     `json:"Type"`
}

type predictionsResponse struct {
	PredictionsData []Prediction `json:"PredictionsData"`
}

type locationResponse struct {
	BusLocationData *BusLocation `json:"BusLocationData"`
}

type pathResponse struct {
	Points []PathPoint `json:"Points"`
}
