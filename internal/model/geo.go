package model

// GeoInfo describes geographical / provider information associated with an IP.
// Empty strings mean the provider did not know the value.
type GeoInfo struct {
	Country string
	Region  string
	City    string
	ISP     string
}

// Empty reports whether no field is known.
func (g GeoInfo) Empty() bool {
	return g.Country == "" && g.Region == "" && g.City == "" && g.ISP == ""
}
