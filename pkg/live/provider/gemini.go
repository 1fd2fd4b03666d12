package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/apsara-ai/apsara-live/pkg/live/protocol"
)

// GeminiFactory creates live sessions against the Gemini Live API.
type GeminiFactory struct {
	APIKey string
	Logger *slog.Logger
}

func (f *GeminiFactory) Name() string { return "gemini" }

func (f *GeminiFactory) Create(ctx context.Context, req CreateRequest) (Session, error) {
	if strings.TrimSpace(f.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is not configured")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  f.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}

	cfg, err := liveConnectConfig(req)
	if err != nil {
		return nil, err
	}

	sess, err := client.Live.Connect(ctx, req.Model, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini live connect: %w", err)
	}

	g := &geminiSession{sess: sess, cb: req.Callbacks, logger: f.Logger}
	go g.receiveLoop()
	if req.Callbacks.OnOpen != nil {
		req.Callbacks.OnOpen()
	}
	return g, nil
}

func liveConnectConfig(req CreateRequest) (*genai.LiveConnectConfig, error) {
	cfg := &genai.LiveConnectConfig{}

	for _, m := range req.Config.ResponseModalities {
		switch strings.ToUpper(strings.TrimSpace(m)) {
		case "TEXT":
			cfg.ResponseModalities = append(cfg.ResponseModalities, genai.ModalityText)
		case "AUDIO":
			cfg.ResponseModalities = append(cfg.ResponseModalities, genai.ModalityAudio)
		case "":
		default:
			return nil, fmt.Errorf("unsupported response modality %q", m)
		}
	}
	if sys := strings.TrimSpace(req.Config.SystemInstruction); sys != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: sys}}}
	}
	if sc := req.Config.SpeechConfig; sc != nil {
		speech := &genai.SpeechConfig{LanguageCode: sc.LanguageCode}
		if strings.TrimSpace(sc.VoiceName) != "" {
			speech.VoiceConfig = &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: sc.VoiceName},
			}
		}
		cfg.SpeechConfig = speech
	}
	if len(req.Config.Tools) > 0 {
		var tools []*genai.Tool
		if err := json.Unmarshal(req.Config.Tools, &tools); err != nil {
			return nil, fmt.Errorf("decode tools: %w", err)
		}
		cfg.Tools = tools
	}
	if req.Config.EnableResumption || req.ResumeHandle != "" {
		cfg.SessionResumption = &genai.SessionResumptionConfig{Handle: req.ResumeHandle}
	}
	if req.Config.EnableCompression {
		cfg.ContextWindowCompression = &genai.ContextWindowCompressionConfig{
			SlidingWindow: &genai.SlidingWindow{},
		}
	}
	if req.Config.InputAudioTranscription {
		cfg.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if req.Config.OutputAudioTranscription {
		cfg.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return cfg, nil
}

type geminiSession struct {
	sess   *genai.Session
	cb     Callbacks
	logger *slog.Logger

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func (g *geminiSession) SendClientContent(turns []protocol.Turn, turnComplete bool) error {
	if g.isClosed() {
		return ErrSessionClosed
	}
	contents := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		c, err := turnToContent(t)
		if err != nil {
			return err
		}
		contents = append(contents, c)
	}
	return g.sess.SendClientContent(genai.LiveClientContentInput{
		Turns:        contents,
		TurnComplete: &turnComplete,
	})
}

func (g *geminiSession) SendRealtimeInput(input RealtimeInput) error {
	if g.isClosed() {
		return ErrSessionClosed
	}
	rt := genai.LiveRealtimeInput{}
	if input.Audio != nil {
		rt.Media = &genai.Blob{Data: input.Audio.Data, MIMEType: input.Audio.MIMEType}
	}
	if input.Video != nil {
		rt.Media = &genai.Blob{Data: input.Video.Data, MIMEType: input.Video.MIMEType}
	}
	if input.Image != nil {
		rt.Media = &genai.Blob{Data: input.Image.Data, MIMEType: input.Image.MIMEType}
	}
	return g.sess.SendRealtimeInput(rt)
}

func (g *geminiSession) SendToolResponse(functionResponses json.RawMessage) error {
	if g.isClosed() {
		return ErrSessionClosed
	}
	var frs []*genai.FunctionResponse
	if err := json.Unmarshal(functionResponses, &frs); err != nil {
		return fmt.Errorf("decode function responses: %w", err)
	}
	return g.sess.SendToolResponse(genai.LiveToolResponseInput{FunctionResponses: frs})
}

func (g *geminiSession) Close() error {
	var err error
	g.closeOnce.Do(func() {
		g.mu.Lock()
		g.closed = true
		g.mu.Unlock()
		err = g.sess.Close()
	})
	return err
}

func (g *geminiSession) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *geminiSession) receiveLoop() {
	for {
		msg, err := g.sess.Receive()
		if err != nil {
			if g.isClosed() {
				if g.cb.OnClose != nil {
					g.cb.OnClose("closed")
				}
				return
			}
			if g.cb.OnError != nil {
				g.cb.OnError(err)
			}
			if g.cb.OnClose != nil {
				g.cb.OnClose(err.Error())
			}
			return
		}
		raw, err := json.Marshal(msg)
		if err != nil {
			if g.logger != nil {
				g.logger.Warn("failed to encode live server message", "error", err)
			}
			continue
		}
		ev, err := ParseServerEvent(raw)
		if err != nil {
			if g.logger != nil {
				g.logger.Warn("failed to decode live server message", "error", err)
			}
			continue
		}
		if g.cb.OnMessage != nil {
			g.cb.OnMessage(ev)
		}
	}
}

func turnToContent(t protocol.Turn) (*genai.Content, error) {
	role := t.Role
	if role == "" {
		role = "user"
	}
	c := &genai.Content{Role: role}
	for _, p := range t.Parts {
		switch {
		case p.FileData != nil:
			c.Parts = append(c.Parts, &genai.Part{
				FileData: &genai.FileData{MIMEType: p.FileData.MimeType, FileURI: p.FileData.FileURI},
			})
		case p.InlineData != nil:
			data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				return nil, fmt.Errorf("decode inline data: %w", err)
			}
			c.Parts = append(c.Parts, &genai.Part{
				InlineData: &genai.Blob{MIMEType: p.InlineData.MimeType, Data: data},
			})
		case p.Text != "":
			c.Parts = append(c.Parts, &genai.Part{Text: p.Text})
		}
	}
	return c, nil
}
