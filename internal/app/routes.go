package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/fragotesac/frazkteco-devices/internal/capture"
	"github.com/fragotesac/frazkteco-devices/internal/guard"
	"github.com/fragotesac/frazkteco-devices/internal/model"
	"github.com/fragotesac/frazkteco-devices/internal/reconcile"
	"github.com/fragotesac/frazkteco-devices/internal/syncer"
	"github.com/fragotesac/frazkteco-devices/internal/terminal"
	"github.com/fragotesac/frazkteco-devices/internal/terminal/mqttgw"
)

const storeTimeout = 5 * time.Second

func (a *App) routes() http.Handler {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(a.logger), a.corsMiddleware())

	r.GET("/healthz", a.handleHealthz)
	r.GET("/ws", gin.WrapH(a.hub))

	r.GET("/usuarios", a.handleListPeople)
	r.POST("/usuario", a.handleRegister)

	r.GET("/marcaciones", a.handleListAttendance)
	r.GET("/marcaciones/sin-validar", a.handleUnmatchedAttendance)

	r.POST("/captura-huella", a.handleCapture)
	r.GET("/slk20r/estado", a.handleReaderStatus)
	r.POST("/slk20r/cerrar", a.handleReaderClose)
	r.GET("/slk20r/diagnostico", a.handleReaderDiagnostics)

	r.GET("/dispositivo/info", a.handleDeviceInfo)
	r.POST("/dispositivo/descargar-eventos", a.handleDownloadEvents)
	r.POST("/dispositivo/sincronizar", a.handlePushAll)
	r.GET("/dispositivo/ultima-sincronizacion", a.handleLastSync)

	r.NoRoute(gin.WrapH(http.FileServer(http.Dir(a.cfg.WebDir))))

	return r
}

func (a *App) corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     a.cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Requested-With"},
		ExposeHeaders:    []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	logger = logger.With("component", "http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("request failed", attrs...)
			return
		}
		logger.Debug("request", attrs...)
	}
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var connErr *terminal.ConnectError
	var opErr *terminal.OperationError

	switch {
	case errors.Is(err, reconcile.ErrValidation), errors.Is(err, capture.ErrInvalidSamples):
		return http.StatusBadRequest
	case errors.Is(err, reconcile.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, capture.ErrConflict), errors.Is(err, syncer.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, terminal.ErrTimeout), errors.Is(err, terminal.ErrUnsupported),
		errors.As(err, &connErr), errors.As(err, &opErr), guard.IsTransient(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (a *App) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(status, gin.H{"ok": false, "error": err.Error()})
}

func (a *App) handleHealthz(c *gin.Context) {
	resp := gin.H{
		"status":   "ok",
		"gateways": a.gateways.snapshot(),
	}
	if a.broker != nil {
		resp["broker_clients"] = len(a.broker.Clients())
		resp["gateway_connected"] = a.broker.Connected(mqttgw.GatewayClientPrefix)
	}
	c.JSON(http.StatusOK, resp)
}

func (a *App) handleListPeople(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
	defer cancel()

	people, err := a.store.ListPeople(ctx)
	if err != nil {
		a.fail(c, err)
		return
	}
	if people == nil {
		people = []model.Person{}
	}
	c.JSON(http.StatusOK, people)
}

func (a *App) handleRegister(c *gin.Context) {
	var req struct {
		NationalID  string `json:"dni"`
		Name        string `json:"nombre"`
		Surname     string `json:"apellido"`
		BadgeNumber string `json:"badge_number"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "cuerpo JSON inválido"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
	defer cancel()

	reg, err := a.rec.Register(ctx, reconcile.Registration{
		NationalID:  req.NationalID,
		Name:        req.Name,
		Surname:     req.Surname,
		BadgeNumber: req.BadgeNumber,
	})
	if errors.Is(err, reconcile.ErrValidation) {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "dni y nombre son requeridos"})
		return
	}
	if err != nil {
		a.fail(c, err)
		return
	}

	msg := "Usuario actualizado"
	if reg.Created {
		msg = "Usuario registrado"
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "id": reg.ID, "uid": reg.UID, "mensaje": msg})
}

func (a *App) handleListAttendance(c *gin.Context) {
	filter, err := reconcile.NormalizeFilter(model.AttendanceFilter{
		From:       c.Query("desde"),
		To:         c.Query("hasta"),
		NationalID: c.Query("dni"),
	})
	if err != nil {
		a.fail(c, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
	defer cancel()

	records, err := a.store.ListAttendance(ctx, filter)
	if err != nil {
		a.fail(c, err)
		return
	}
	if records == nil {
		records = []model.AttendanceRecord{}
	}
	c.JSON(http.StatusOK, records)
}

func (a *App) handleUnmatchedAttendance(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
	defer cancel()

	events, err := a.store.UnmatchedAttendance(ctx)
	if err != nil {
		a.fail(c, err)
		return
	}
	if events == nil {
		events = []model.AttendanceEvent{}
	}
	c.JSON(http.StatusOK, events)
}

func (a *App) handleCapture(c *gin.Context) {
	var req struct {
		NationalID string `json:"dni"`
		Samples    int    `json:"lecturas"`
		Finger     int    `json:"dedo"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "cuerpo JSON inválido"})
		return
	}
	if req.NationalID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "dni es requerido"})
		return
	}

	ctx := c.Request.Context()
	person, err := a.rec.Person(ctx, req.NationalID)
	if err != nil {
		a.fail(c, err)
		return
	}

	res, err := a.capture.Capture(ctx, person.NationalID, req.Samples)
	if err != nil {
		a.fail(c, err)
		return
	}

	if err := a.rec.SaveTemplate(ctx, person, req.Finger, res.Template); err != nil {
		a.fail(c, err)
		return
	}

	a.pushAfterCapture(ctx, person)

	if res.Placeholder {
		c.JSON(http.StatusOK, gin.H{
			"ok":          true,
			"placeholder": true,
			"advertencia": res.Warning,
			"mensaje":     fmt.Sprintf("Huella simulada registrada para %s (SDK no disponible)", person.NationalID),
		})
		return
	}

	resp := gin.H{
		"ok":           true,
		"mensaje":      fmt.Sprintf("Huella registrada para %s", person.NationalID),
		"templateSize": len(res.Template),
		"lecturas":     res.Samples,
		"fusionada":    res.Fused,
	}
	if res.Warning != "" {
		resp["advertencia"] = res.Warning
	}
	c.JSON(http.StatusOK, resp)
}

// pushAfterCapture sends the person's identity to the terminal in the background. Failures are
// logged only; the next manual bulk sync retries them.
func (a *App) pushAfterCapture(ctx context.Context, p model.Person) {
	ctx = context.WithoutCancel(ctx)
	guard.Go(a.logger, "push after capture", func() {
		if err := a.sched.PushPerson(ctx, p); err != nil {
			a.logger.Warn("push person after capture failed", "dni", p.NationalID, "error", err)
		}
	})
}

func (a *App) handleReaderStatus(c *gin.Context) {
	c.JSON(http.StatusOK, a.capture.Status())
}

func (a *App) handleReaderClose(c *gin.Context) {
	if err := a.capture.Close(); err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *App) handleReaderDiagnostics(c *gin.Context) {
	dlls := capture.Diagnose()
	if dlls == nil {
		dlls = []string{}
	}

	msg := "SDK de huellas cargado"
	if !a.capture.Available() {
		msg = "SDK de huellas no disponible: instale el SDK del lector o copie la DLL al directorio del sistema"
	}
	c.JSON(http.StatusOK, gin.H{
		"sdkDisponible": a.capture.Available(),
		"dlls":          dlls,
		"mensaje":       msg,
	})
}

func (a *App) handleDeviceInfo(c *gin.Context) {
	info := a.sched.Info(c.Request.Context())

	host, port, err := net.SplitHostPort(info.Address)
	if err != nil {
		host = info.Address
	}
	portNum, _ := strconv.Atoi(port)

	resp := gin.H{
		"ip":           host,
		"puerto":       portNum,
		"usuarios":     info.Users,
		"huellas":      info.WithFingerprints,
		"marcaciones":  info.Attendances,
		"slkConectado": a.capture.Status().Connected,
	}
	if info.UsersError != "" {
		resp["usuarios_error"] = info.UsersError
	}
	if info.AttendancesError != "" {
		resp["marcaciones_error"] = info.AttendancesError
	}
	c.JSON(http.StatusOK, resp)
}

func (a *App) handleDownloadEvents(c *gin.Context) {
	rep, err := a.sched.DownloadEvents(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}

	res := rep.Attendance
	c.JSON(http.StatusOK, gin.H{
		"ok":      true,
		"mensaje": fmt.Sprintf("%d nuevas marcaciones descargadas (total: %d)", res.Inserted, res.Fetched),
		"nuevas":  res.Inserted,
		"total":   res.Fetched,
		"run_id":  rep.RunID,
	})
}

func (a *App) handlePushAll(c *gin.Context) {
	res, err := a.sched.PushAll(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":            true,
		"mensaje":       fmt.Sprintf("%d sincronizados, %d errores de %d usuarios", res.Pushed, res.Failed, res.Total),
		"total":         res.Total,
		"sincronizados": res.Pushed,
		"errores":       res.Failed,
	})
}

func (a *App) handleLastSync(c *gin.Context) {
	rep, ok := a.sched.Last()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"ok": true, "ejecutando": a.sched.Running(), "ultima": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "ejecutando": a.sched.Running(), "ultima": rep})
}
