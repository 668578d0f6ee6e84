package designs

// Upstream design API wire format, version 1. Listing endpoints mirror the
// service's `q[...]` query parameter convention and msgpack responses.

const (
	listDesignsPath  = "/api/v2/designs"
	imagePathFmt     = "/api/v2/images/%d"
	deleteDesignsFmt = "/api/v1/designs/%d"

	// MaxDesigns is the number of kiosk slots one creator account has.
	MaxDesigns = 120
)

// designHeader is one entry of a design listing response.
type designHeader struct {
	ID         int64  `msgpack:"id"`
	DesignName string `msgpack:"design_name"`
	PlayerID   int64  `msgpack:"design_player_id"`
	PlayerName string `msgpack:"design_player_name"`
	CreatedAt  int64  `msgpack:"created_at"`
	UpdatedAt  int64  `msgpack:"updated_at"`
	BodyURL    string `msgpack:"body"`
}

type listDesignsResponse struct {
	Total   int            `msgpack:"total"`
	Count   int            `msgpack:"count"`
	Headers []designHeader `msgpack:"headers"`
}

// imageLayerRef names one tile slot of a design image.
type imageLayerRef struct {
	Position int   `msgpack:"position"`
	DesignID int64 `msgpack:"design_id"`
}

type imageResponse struct {
	ImageID         int64           `msgpack:"id"`
	Name            string          `msgpack:"name"`
	PlayerID        int64           `msgpack:"player_id"`
	PlayerName      string          `msgpack:"player_name"`
	CreatorPrettyID string          `msgpack:"creator_pretty_id"`
	DesignsRequired int             `msgpack:"designs_required"`
	Layers          []imageLayerRef `msgpack:"layers"`
}
