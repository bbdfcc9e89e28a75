package dialog

import "github.com/nugget/parley/internal/events"

// Surface shows the conversation's visual indicators.
type Surface interface {
	ShowListening()
	UpdateTranscription(text string)
	HideTranscription()
	ShowThinking()
	HideThinking()
	ShowClarification(questions []string)
	ClearClarification()
	ShowInputBox()
	HideAll()
}

type nopSurface struct{}

func (nopSurface) ShowListening()             {}
func (nopSurface) UpdateTranscription(string) {}
func (nopSurface) HideTranscription()         {}
func (nopSurface) ShowThinking()              {}
func (nopSurface) HideThinking()              {}
func (nopSurface) ShowClarification([]string) {}
func (nopSurface) ClearClarification()        {}
func (nopSurface) ShowInputBox()              {}
func (nopSurface) HideAll()                   {}

// Surface operations published by BusSurface.
const (
	SurfaceShowListening       = "show_listening"
	SurfaceUpdateTranscription = "update_transcription"
	SurfaceHideTranscription   = "hide_transcription"
	SurfaceShowThinking        = "show_thinking"
	SurfaceHideThinking        = "hide_thinking"
	SurfaceShowClarification   = "show_clarification"
	SurfaceClearClarification  = "clear_clarification"
	SurfaceShowInputBox        = "show_input_box"
	SurfaceHideAll             = "hide_all"
)

// BusSurface publishes surface operations as events so any number of
// renderers can follow along.
type BusSurface struct {
	bus *events.Bus
}

// NewBusSurface returns a Surface that publishes to bus.
func NewBusSurface(bus *events.Bus) *BusSurface {
	return &BusSurface{bus: bus}
}

func (b *BusSurface) emit(op string, data map[string]any) {
	if data == nil {
		data = make(map[string]any, 1)
	}
	data["op"] = op
	b.bus.Emit(events.SourceSurface, events.KindSurface, data)
}

func (b *BusSurface) ShowListening() { b.emit(SurfaceShowListening, nil) }

func (b *BusSurface) UpdateTranscription(text string) {
	b.emit(SurfaceUpdateTranscription, map[string]any{"text": text})
}

func (b *BusSurface) HideTranscription() { b.emit(SurfaceHideTranscription, nil) }
func (b *BusSurface) ShowThinking()      { b.emit(SurfaceShowThinking, nil) }
func (b *BusSurface) HideThinking()      { b.emit(SurfaceHideThinking, nil) }

func (b *BusSurface) ShowClarification(questions []string) {
	b.emit(SurfaceShowClarification, map[string]any{"questions": questions})
}

func (b *BusSurface) ClearClarification() { b.emit(SurfaceClearClarification, nil) }
func (b *BusSurface) ShowInputBox()       { b.emit(SurfaceShowInputBox, nil) }
func (b *BusSurface) HideAll()            { b.emit(SurfaceHideAll, nil) }
