package gemini

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/interviewer/pkg/audio/pcm"
	"github.com/MrWong99/interviewer/pkg/provider/s2s"
)

// Client → server frames.

type setupFrame struct {
	Setup setup `json:"setup"`
}

type setup struct {
	Model                    string     `json:"model"`
	GenerationConfig         generation `json:"generationConfig"`
	SystemInstruction        *content   `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}  `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}  `json:"outputAudioTranscription,omitempty"`
}

type generation struct {
	ResponseModalities []string `json:"responseModalities"`
	SpeechConfig       *speech  `json:"speechConfig,omitempty"`
}

type speech struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string `json:"text,omitempty"`
	InlineData *blob  `json:"inlineData,omitempty"`
}

// blob is inline media; Data is base64.
type blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type realtimeFrame struct {
	RealtimeInput struct {
		MediaChunks []blob `json:"mediaChunks"`
	} `json:"realtimeInput"`
}

// newSetup builds the first frame of a session. The model gets the
// "models/" prefix when it lacks one, and AUDIO is requested when no
// modality is given.
func newSetup(model string, cfg s2s.SessionConfig) setupFrame {
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	modalities := cfg.ResponseModalities
	if len(modalities) == 0 {
		modalities = []string{"AUDIO"}
	}

	var f setupFrame
	f.Setup.Model = model
	f.Setup.GenerationConfig.ResponseModalities = modalities
	if cfg.Instructions != "" {
		f.Setup.SystemInstruction = &content{Parts: []part{{Text: cfg.Instructions}}}
	}
	if cfg.Voice != "" {
		sp := &speech{}
		sp.VoiceConfig.PrebuiltVoiceConfig.VoiceName = cfg.Voice
		f.Setup.GenerationConfig.SpeechConfig = sp
	}
	if cfg.InputTranscription {
		f.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		f.Setup.OutputAudioTranscription = &struct{}{}
	}
	return f
}

func newRealtime(frame pcm.EncodedFrame) realtimeFrame {
	var f realtimeFrame
	f.RealtimeInput.MediaChunks = []blob{{
		MIMEType: frame.MIMEType(),
		Data:     base64.StdEncoding.EncodeToString(frame.Data),
	}}
	return f
}

// Server → client frames.

type serverFrame struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *apiError        `json:"error,omitempty"`
}

type serverContent struct {
	ModelTurn           *content `json:"modelTurn,omitempty"`
	TurnComplete        bool     `json:"turnComplete,omitempty"`
	Interrupted         bool     `json:"interrupted,omitempty"`
	InputTranscription  *text    `json:"inputTranscription,omitempty"`
	OutputTranscription *text    `json:"outputTranscription,omitempty"`
}

type text struct {
	Text string `json:"text"`
}

// goAway announces that the server will close the connection. TimeLeft is a
// protobuf duration string such as "9.5s".
type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

// apiError is an error frame sent by the server before it closes the session.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *apiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = fmt.Sprintf("error code %d", e.Code)
	}
	if e.Status == "" {
		return "gemini: " + msg
	}
	return fmt.Sprintf("gemini: %s (%s)", msg, e.Status)
}

// message converts server content into an [s2s.ServerMessage]. Inline data
// is base64-decoded and taken as PCM when its MIME type is audio or missing;
// other media and undecodable parts are skipped with a log line. It returns
// nil when nothing in sc needs handling.
func (sc *serverContent) message(log *slog.Logger) *s2s.ServerMessage {
	m := &s2s.ServerMessage{
		Interrupted:  sc.Interrupted,
		TurnComplete: sc.TurnComplete,
	}
	if sc.InputTranscription != nil {
		m.InputTranscription = sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil {
		m.OutputTranscription = sc.OutputTranscription.Text
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			b := p.InlineData
			if b == nil {
				continue
			}
			if b.MIMEType != "" && !strings.HasPrefix(b.MIMEType, "audio/") {
				log.Debug("gemini: skipping non-audio part", "mime", b.MIMEType)
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(b.Data)
			if err != nil {
				log.Warn("gemini: dropping undecodable audio part", "mime", b.MIMEType, "err", err)
				continue
			}
			if len(raw) > 0 {
				m.Audio = append(m.Audio, raw)
			}
		}
	}

	empty := len(m.Audio) == 0 && m.InputTranscription == "" && m.OutputTranscription == ""
	if empty && !m.Interrupted && !m.TurnComplete {
		return nil
	}
	return m
}
