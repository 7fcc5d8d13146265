package geo

import (
	"errors"
	"math"

	"github.com/example/ivan/internal/models"
)

const (
	// StationSearchRadiusMeters bounds which pickup stations a rider may
	// request a ride from.
	StationSearchRadiusMeters = 1000.0
	// BoardingRadiusMeters bounds how far from the pickup station boarding
	// may be confirmed.
	BoardingRadiusMeters = 100.0
)

// ErrLocationUnavailable is returned when no device fix is known, either
// because permission was denied or the sensor has not reported yet.
var ErrLocationUnavailable = errors.New("location unavailable")

// WGS-84 ellipsoid.
const (
	wgsA = 6378137.0
	wgsB = 6356752.314245
	wgsF = 1 / 298.257223563
)

const vincentyMaxIter = 200

// DistanceMeters returns the geodesic distance between a and b on the WGS-84
// ellipsoid. Points are put in a canonical order first so the result is
// exactly symmetric.
func DistanceMeters(a, b models.Coord) float64 {
	if a == b {
		return 0
	}
	if less(b, a) {
		a, b = b, a
	}
	if d, ok := vincenty(a, b); ok {
		return d
	}
	// nearly antipodal points do not converge
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// IsWithinRadius reports whether point lies within radiusMeters of anchor.
func IsWithinRadius(point, anchor models.Coord, radiusMeters float64) bool {
	return DistanceMeters(point, anchor) <= radiusMeters
}

// Haversine distance in meters on a sphere of mean earth radius.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

func less(a, b models.Coord) bool {
	if a.Lat != b.Lat {
		return a.Lat < b.Lat
	}
	return a.Lon < b.Lon
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }

// vincenty is the inverse solution of Vincenty (1975).
func vincenty(p1, p2 models.Coord) (float64, bool) {
	L := toRad(p2.Lon - p1.Lon)
	U1 := math.Atan((1 - wgsF) * math.Tan(toRad(p1.Lat)))
	U2 := math.Atan((1 - wgsF) * math.Tan(toRad(p2.Lat)))
	sinU1, cosU1 := math.Sin(U1), math.Cos(U1)
	sinU2, cosU2 := math.Sin(U2), math.Cos(U2)

	lambda := L
	var sinSigma, cosSigma, sigma, cosSqAlpha, cos2SigmaM float64
	converged := false
	for i := 0; i < vincentyMaxIter; i++ {
		sinLambda, cosLambda := math.Sin(lambda), math.Cos(lambda)
		sinSigma = math.Sqrt((cosU2*sinLambda)*(cosU2*sinLambda) +
			(cosU1*sinU2-sinU1*cosU2*cosLambda)*(cosU1*sinU2-sinU1*cosU2*cosLambda))
		if sinSigma == 0 {
			return 0, true
		}
		cosSigma = sinU1*sinU2 + cosU1*cosU2*cosLambda
		sigma = math.Atan2(sinSigma, cosSigma)
		sinAlpha := cosU1 * cosU2 * sinLambda / sinSigma
		cosSqAlpha = 1 - sinAlpha*sinAlpha
		if cosSqAlpha != 0 {
			cos2SigmaM = cosSigma - 2*sinU1*sinU2/cosSqAlpha
		} else {
			// equatorial line
			cos2SigmaM = 0
		}
		C := wgsF / 16 * cosSqAlpha * (4 + wgsF*(4-3*cosSqAlpha))
		prev := lambda
		lambda = L + (1-C)*wgsF*sinAlpha*(sigma+C*sinSigma*(cos2SigmaM+C*cosSigma*(-1+2*cos2SigmaM*cos2SigmaM)))
		if math.Abs(lambda-prev) < 1e-12 {
			converged = true
			break
		}
	}
	if !converged {
		return 0, false
	}

	uSq := cosSqAlpha * (wgsA*wgsA - wgsB*wgsB) / (wgsB * wgsB)
	A := 1 + uSq/16384*(4096+uSq*(-768+uSq*(320-175*uSq)))
	B := uSq / 1024 * (256 + uSq*(-128+uSq*(74-47*uSq)))
	deltaSigma := B * sinSigma * (cos2SigmaM + B/4*(cosSigma*(-1+2*cos2SigmaM*cos2SigmaM)-
		B/6*cos2SigmaM*(-3+4*sinSigma*sinSigma)*(-3+4*cos2SigmaM*cos2SigmaM)))
	return wgsB * A * (sigma - deltaSigma), true
}
