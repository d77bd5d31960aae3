package protocol

import (
	"github.com/invopop/jsonschema"
)

// Catalog 汇总全部消息，仅用于生成 JSON Schema
type Catalog struct {
	Announce   Announce       `json:"announce-on-map"`
	MoveIntent MoveIntent     `json:"move-intent"`
	Report     PositionReport `json:"position-report"`
	TilePush   TilePush       `json:"tile-push"`
	Signal     Signal         `json:"signal"`
	SetFlag    SetFlag        `json:"set-flag"`

	Welcome      Welcome      `json:"welcome"`
	MapSnapshot  MapSnapshot  `json:"map-snapshot"`
	PeerJoined   PeerJoined   `json:"peer-joined"`
	PeerLeft     PeerLeft     `json:"peer-left"`
	PeerMoved    PeerMoved    `json:"peer-moved"`
	TileUpdated  TileUpdated  `json:"tile-updated"`
	MoveRejected MoveRejected `json:"move-rejected"`
	SignalEvent  SignalEvent  `json:"signal-event"`
	SaveRecord   SaveRecord   `json:"save-record"`
	Error        Error        `json:"error"`
}

// Schema 生成协议的 JSON Schema
func Schema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: true,
	}
	schema := reflector.Reflect(new(Catalog))
	schema.Title = "Tile sync wire protocol"
	schema.Description = "Flat JSON text frames exchanged over the /ws endpoint"
	return schema
}
