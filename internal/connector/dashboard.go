package connector

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/trainerday/fitness-machine-connector/internal/bt"
	"github.com/trainerday/fitness-machine-connector/internal/ftms"
	"github.com/trainerday/fitness-machine-connector/internal/go_func_utils"
	"github.com/trainerday/fitness-machine-connector/internal/metrics"
)

// Page names for tview.Pages
const (
	pageSources   = "sources"
	pageBroadcast = "broadcast"
)

// DashboardMode represents the current UI mode/screen
type DashboardMode int

const (
	DashboardModeSources   DashboardMode = iota // Source scanning and connection
	DashboardModeBroadcast                      // Live broadcast dashboard
)

// dashboardModeInfo contains display information for a UI mode
type dashboardModeInfo struct {
	Mode        DashboardMode
	DisplayName string
	KeyBinding  rune
}

var dashboardModes = []dashboardModeInfo{
	{Mode: DashboardModeSources, DisplayName: "Sources", KeyBinding: '1'},
	{Mode: DashboardModeBroadcast, DisplayName: "Broadcast", KeyBinding: '2'},
}

func dashboardModeByKey(key rune) (DashboardMode, bool) {
	for _, info := range dashboardModes {
		if info.KeyBinding == key {
			return info.Mode, true
		}
	}
	return 0, false
}

const maxLogLines = 1000

// sourceRow backs one line of the scan list, so selection callbacks can
// recover the device address behind the rendered text.
type sourceRow struct {
	Address string
	Label   string
}

// Dashboard is the terminal UI: a sources page for finding and connecting
// sensors, and a broadcast page showing the merged metrics, the control
// point state and the frames going out. A log tail is visible on every
// page.
type Dashboard struct {
	logger  *log.Logger
	app     *tview.Application
	central bt.Central
	bridge  *Bridge
	engine  *Engine
	control *ftms.ControlPoint

	localName string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logMu    sync.RWMutex
	logLines []string

	rowsMu sync.RWMutex
	rows   []sourceRow

	frameCount uint64

	currentMode DashboardMode
	pages       *tview.Pages
	logView     *tview.TextView
	mainFlex    *tview.Flex

	sourcesFlex       *tview.Flex
	sourceList        *tview.List
	connectedText     *tview.TextView
	sourcesTabWidgets []*tview.Box

	broadcastFlex       *tview.Flex
	metricsPanel        *tview.TextView
	controlPanel        *tview.TextView
	broadcastPanel      *tview.TextView
	broadcastTabWidgets []*tview.Box
}

// DashboardArgs holds the arguments for creating a new Dashboard
type DashboardArgs struct {
	Logger  *log.Logger
	App     *tview.Application
	Central bt.Central
	Bridge  *Bridge
	Engine  *Engine
	Control *ftms.ControlPoint
	// LocalName is the name the peripheral advertises, shown on the
	// broadcast page.
	LocalName string
	// LogChan receives a copy of every log line for the on-screen tail.
	LogChan <-chan string
}

func NewDashboard(args DashboardArgs) *Dashboard {
	if args.Logger == nil {
		panic("Dashboard: logger cannot be nil")
	}
	if args.App == nil {
		panic("Dashboard: app cannot be nil")
	}
	if args.Central == nil {
		panic("Dashboard: central cannot be nil")
	}
	if args.Bridge == nil {
		panic("Dashboard: bridge cannot be nil")
	}
	if args.Engine == nil {
		panic("Dashboard: engine cannot be nil")
	}
	if args.Control == nil {
		panic("Dashboard: control cannot be nil")
	}
	if args.LogChan == nil {
		panic("Dashboard: logChan cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dashboard{
		logger:      args.Logger,
		app:         args.App,
		central:     args.Central,
		bridge:      args.Bridge,
		engine:      args.Engine,
		control:     args.Control,
		localName:   args.LocalName,
		ctx:         ctx,
		cancel:      cancel,
		currentMode: DashboardModeSources,
		logLines:    make([]string, 0, maxLogLines),
	}

	d.initWidgets()
	d.setupKeyboardHandlers()

	d.wg.Add(1)
	go_func_utils.SafeGo(d.logger, "dashboard log reader", func() {
		defer d.wg.Done()
		d.readFromLogChannel(args.LogChan)
	})

	// The log view height is unknown until the first layout pass, so poll
	// for size changes instead of hooking resize events.
	d.wg.Add(1)
	go_func_utils.SafeGo(d.logger, "dashboard log resize", func() {
		defer d.wg.Done()
		d.monitorLogResize()
	})

	d.setupEventListeners()

	return d
}

// initWidgets builds the tview widget tree
func (d *Dashboard) initWidgets() {
	// Shared log view.
	// Note: Don't use SetChangedFunc with app.Draw() - it can cause hangs
	// during shutdown when the app has been stopped but log messages are
	// still being written. The event listeners already call Draw() after
	// updating content.
	d.logView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(false)
	d.logView.SetBorder(true).SetTitle(" Logs ")

	d.pages = tview.NewPages()

	d.initSourcesPage()
	d.initBroadcastPage()

	d.pages.AddPage(pageSources, d.sourcesFlex, true, true)
	d.pages.AddPage(pageBroadcast, d.broadcastFlex, true, false)

	// Main layout: pages on left, logs on right
	d.mainFlex = tview.NewFlex().
		AddItem(d.pages, 0, 1, true).
		AddItem(d.logView, 0, 1, false)

	d.setFocusForCurrentMode()
}

// initSourcesPage sets up the source scanning and connection page
func (d *Dashboard) initSourcesPage() {
	instructionsText := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	instructionsText.SetText("[yellow]S[white] Toggle Scan  |  [yellow]Enter[white] Connect  |  [yellow]D[white] Disconnect\n[yellow]1[white] Sources  |  [yellow]2[white] Broadcast  |  [yellow]Esc[white] Quit")

	d.sourceList = tview.NewList().
		ShowSecondaryText(false).
		SetSelectedFunc(func(index int, mainText, secondaryText string, shortcut rune) {
			d.rowsMu.RLock()
			var row sourceRow
			ok := index >= 0 && index < len(d.rows)
			if ok {
				row = d.rows[index]
			}
			d.rowsMu.RUnlock()
			if !ok {
				d.logger.Printf("Dashboard: list index %d out of range", index)
				return
			}
			d.logger.Printf("Dashboard: connecting to %s", row.Label)
			// Connecting blocks until the device answers, so keep it off
			// the UI goroutine.
			go_func_utils.SafeGo(d.logger, "dashboard connect", func() {
				if err := d.bridge.ConnectTo(row.Address); err != nil {
					d.logger.Printf("Dashboard: connect to %s failed: %v", row.Address, err)
				}
			})
		})
	d.sourceList.SetBorder(true).SetTitle(" Nearby Sensors ")

	d.connectedText = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	d.connectedText.SetBorder(true).SetTitle(" Connected ")
	d.connectedText.SetText(" [gray]None[white]")

	d.sourcesTabWidgets = append(d.sourcesTabWidgets, d.sourceList.Box)

	d.sourcesFlex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(instructionsText, 2, 0, false).
		AddItem(d.sourceList, 0, 1, true).
		AddItem(d.connectedText, 6, 0, false)
}

// initBroadcastPage sets up the live broadcast dashboard page
func (d *Dashboard) initBroadcastPage() {
	d.metricsPanel = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	d.metricsPanel.SetBorder(true).SetTitle(" Metrics ")
	d.renderMetrics(nil)

	d.controlPanel = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	d.controlPanel.SetBorder(true).SetTitle(" Control Point ")
	d.renderControl("")

	d.broadcastPanel = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	d.broadcastPanel.SetBorder(true).SetTitle(" Broadcast ")
	d.renderBroadcast(nil)

	d.broadcastTabWidgets = append(d.broadcastTabWidgets, d.metricsPanel.Box)
	d.broadcastTabWidgets = append(d.broadcastTabWidgets, d.controlPanel.Box)
	d.broadcastTabWidgets = append(d.broadcastTabWidgets, d.broadcastPanel.Box)

	leftColumn := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(d.metricsPanel, 0, 2, true).
		AddItem(d.controlPanel, 0, 1, false)

	d.broadcastFlex = tview.NewFlex().
		SetDirection(tview.FlexColumn).
		AddItem(leftColumn, 0, 1, true).
		AddItem(d.broadcastPanel, 0, 1, false)
}

// setupKeyboardHandlers sets up keyboard event handlers
func (d *Dashboard) setupKeyboardHandlers() {
	d.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		// Number keys for mode switching
		if event.Key() == tcell.KeyRune {
			if mode, ok := dashboardModeByKey(event.Rune()); ok {
				d.setMode(mode)
				return nil
			}
		}

		// Tab to switch focus between widgets in the current mode
		if event.Key() == tcell.KeyTab {
			widgets := d.tabWidgetsForCurrentMode()
			widgetCount := len(widgets)
			if widgetCount > 0 {
				for i := 0; i < widgetCount+1; i++ {
					idx := i % widgetCount
					if widgets[idx].HasFocus() {
						nextIdx := (idx + 1) % widgetCount
						d.app.SetFocus(widgets[nextIdx])
						break
					}
				}
			}
			return nil
		}

		// Escape to quit
		if event.Key() == tcell.KeyEscape {
			d.app.Stop()
			return nil
		}

		// Mode-specific key handlers
		if d.currentMode == DashboardModeSources {
			if event.Key() == tcell.KeyRune && event.Rune() == 's' {
				d.toggleScan()
				return nil
			}
			if event.Key() == tcell.KeyRune && event.Rune() == 'd' {
				d.disconnectSelected()
				return nil
			}
		}

		return event
	})
}

func (d *Dashboard) toggleScan() {
	if d.bridge.IsScanning() {
		d.logger.Println("Dashboard: stopping scan")
		if err := d.bridge.StopScanning(); err != nil {
			d.logger.Printf("Dashboard: stopping scan failed: %v", err)
		}
		return
	}
	d.logger.Println("Dashboard: starting scan")
	d.bridge.StartScanning()
}

func (d *Dashboard) disconnectSelected() {
	d.rowsMu.RLock()
	var row sourceRow
	idx := d.sourceList.GetCurrentItem()
	ok := idx >= 0 && idx < len(d.rows)
	if ok {
		row = d.rows[idx]
	}
	d.rowsMu.RUnlock()
	if !ok {
		return
	}
	go_func_utils.SafeGo(d.logger, "dashboard disconnect", func() {
		if err := d.bridge.DisconnectFrom(row.Address); err != nil {
			d.logger.Printf("Dashboard: disconnect from %s failed: %v", row.Address, err)
		}
	})
}

// setMode switches the UI to the specified mode
func (d *Dashboard) setMode(mode DashboardMode) {
	if d.currentMode == mode {
		return
	}
	d.currentMode = mode

	switch mode {
	case DashboardModeSources:
		d.pages.SwitchToPage(pageSources)
	case DashboardModeBroadcast:
		d.pages.SwitchToPage(pageBroadcast)
	}

	d.setFocusForCurrentMode()
}

func (d *Dashboard) setFocusForCurrentMode() {
	widgets := d.tabWidgetsForCurrentMode()
	if len(widgets) > 0 {
		d.app.SetFocus(widgets[0])
	}
}

func (d *Dashboard) tabWidgetsForCurrentMode() []*tview.Box {
	switch d.currentMode {
	case DashboardModeSources:
		return d.sourcesTabWidgets
	case DashboardModeBroadcast:
		return d.broadcastTabWidgets
	default:
		return nil
	}
}

func (d *Dashboard) setupEventListeners() {
	// Listen to scan list changes from the central
	scanChan := make(chan []bt.Device, 1)
	scanUnregister := d.central.ListenToScanDevices(scanChan)
	d.wg.Add(1)
	go_func_utils.SafeGo(d.logger, "dashboard scan listener", func() {
		defer d.wg.Done()
		defer scanUnregister()
		for {
			select {
			case <-d.ctx.Done():
				return
			case list, ok := <-scanChan:
				if !ok {
					return
				}
				d.setSourceRows(list)
				d.app.Draw()
			}
		}
	})

	// Listen to connection changes from the central
	connectedChan := make(chan []bt.Device, 1)
	connectedUnregister := d.central.ListenToConnectedDevices(connectedChan)
	d.wg.Add(1)
	go_func_utils.SafeGo(d.logger, "dashboard connection listener", func() {
		defer d.wg.Done()
		defer connectedUnregister()
		for {
			select {
			case <-d.ctx.Done():
				return
			case list, ok := <-connectedChan:
				if !ok {
					return
				}
				d.renderConnected(list)
				d.app.Draw()
			}
		}
	})

	// Listen to merged metric changes from the engine
	recordChan := make(chan metrics.Record, 1)
	recordUnregister := d.engine.ListenToRecords(recordChan)
	d.wg.Add(1)
	go_func_utils.SafeGo(d.logger, "dashboard metrics listener", func() {
		defer d.wg.Done()
		defer recordUnregister()
		for {
			select {
			case <-d.ctx.Done():
				return
			case rec, ok := <-recordChan:
				if !ok {
					return
				}
				d.renderMetrics(&rec)
				d.app.Draw()
			}
		}
	})

	// Listen to outgoing frames from the engine
	frameChan := make(chan []byte, 1)
	frameUnregister := d.engine.ListenToFrames(frameChan)
	d.wg.Add(1)
	go_func_utils.SafeGo(d.logger, "dashboard frame listener", func() {
		defer d.wg.Done()
		defer frameUnregister()
		for {
			select {
			case <-d.ctx.Done():
				return
			case frame, ok := <-frameChan:
				if !ok {
					return
				}
				d.frameCount++
				d.renderBroadcast(frame)
				d.app.Draw()
			}
		}
	})

	// Listen to control point commands
	commandChan := make(chan ftms.Command, 1)
	commandUnregister := d.control.ListenToCommands(commandChan)
	d.wg.Add(1)
	go_func_utils.SafeGo(d.logger, "dashboard control listener", func() {
		defer d.wg.Done()
		defer commandUnregister()
		for {
			select {
			case <-d.ctx.Done():
				return
			case cmd, ok := <-commandChan:
				if !ok {
					return
				}
				d.renderControl(cmd.String())
				d.app.Draw()
			}
		}
	})
}

// setSourceRows rebuilds the scan list, keeping the highlighted device
// highlighted when it is still present.
func (d *Dashboard) setSourceRows(devices []bt.Device) {
	rows := make([]sourceRow, 0, len(devices))
	for _, device := range devices {
		rows = append(rows, sourceRow{
			Address: device.AddressString(),
			Label:   d.formatSourceRow(device),
		})
	}

	d.rowsMu.Lock()
	old := d.rows
	d.rows = rows
	d.rowsMu.Unlock()

	selectedAddress := ""
	currentIdx := d.sourceList.GetCurrentItem()
	if currentIdx >= 0 && currentIdx < len(old) {
		selectedAddress = old[currentIdx].Address
	}

	d.sourceList.Clear()
	selectedIdx := -1
	for i, row := range rows {
		if row.Address == selectedAddress {
			selectedIdx = i
		}
		d.sourceList.AddItem(row.Label, "", 0, nil)
	}
	if selectedIdx > -1 {
		d.sourceList.SetCurrentItem(selectedIdx)
	}
}

func (d *Dashboard) formatSourceRow(device bt.Device) string {
	name := device.LocalName()
	if name == "" {
		name = "Unknown"
	}
	rssi, err := device.RSSI()
	if err != nil {
		rssi = 0
	}
	label := fmt.Sprintf("%s (%s) [RSSI: %d]", name, device.AddressString(), rssi)
	if device.IsConnected() {
		label = "* " + label
	}
	if ids := d.bridge.MatchingSpecIDs(device); len(ids) > 0 {
		label += " " + strings.Join(ids, ",")
	}
	return label
}

func (d *Dashboard) renderConnected(devices []bt.Device) {
	if len(devices) == 0 {
		d.connectedText.SetText(" [gray]None[white]")
		return
	}
	var lines []string
	for _, device := range devices {
		name := device.LocalName()
		if name == "" {
			name = "Unknown"
		}
		line := fmt.Sprintf(" [green]*[white] %s (%s)", name, device.AddressString())
		if ids := d.bridge.MatchingSpecIDs(device); len(ids) > 0 {
			line += fmt.Sprintf("  [gray]%s[white]", strings.Join(ids, ", "))
		}
		lines = append(lines, line)
	}
	d.connectedText.SetText(strings.Join(lines, "\n"))
}

// renderMetrics formats and displays the merged snapshot in the metrics
// panel
func (d *Dashboard) renderMetrics(rec *metrics.Record) {
	var text string

	if rec == nil || rec.IsEmpty() {
		text = "\n\n  [yellow]Broadcast Dashboard[white]\n\n  Connect a sensor in Sources mode (press 1)\n  to see live data here."
	} else {
		text = "\n"
		for _, id := range metrics.DisplayOrder {
			v, ok := rec.Get(id)
			if !ok {
				continue
			}
			info, _ := metrics.GetMetricInfo(id)

			if id == metrics.MetricElapsedTime {
				seconds := int(v)
				text += fmt.Sprintf("  %-13s [yellow]%02d:%02d[white]\n\n", info.DisplayName+":", seconds/60, seconds%60)
				continue
			}

			value := fmt.Sprintf(info.FormatStr, v)
			text += fmt.Sprintf("  %-13s [yellow]%s[white] %s\n\n", info.DisplayName+":", value, info.Unit)
		}
		if rec.SourceType != "" {
			text += fmt.Sprintf("  [gray]Source:[white] %s\n", rec.SourceType)
		}
	}

	d.metricsPanel.SetText(text)
}

// renderControl formats and displays the control point state
func (d *Dashboard) renderControl(lastCommand string) {
	text := "\n"
	text += fmt.Sprintf("  [gray]State:[white] [yellow]%s[white]\n\n", d.control.State())

	if d.control.ControlGranted() {
		text += "  [green]*[white] A head unit has requested control\n"
	} else {
		text += "  [gray]No head unit has requested control[white]\n"
	}

	if power, ok := d.control.TargetPower(); ok {
		text += fmt.Sprintf("\n  [gray]Target Power:[white]      [yellow]%d[white] W", power)
	}
	if level, ok := d.control.TargetResistance(); ok {
		text += fmt.Sprintf("\n  [gray]Target Resistance:[white] [yellow]%d[white]", level)
	}

	if lastCommand != "" {
		text += fmt.Sprintf("\n\n  [gray]Last command:[white] %s\n", lastCommand)
	}

	d.controlPanel.SetText(text)
}

// renderBroadcast formats and displays the outgoing broadcast state
func (d *Dashboard) renderBroadcast(frame []byte) {
	text := "\n"
	text += fmt.Sprintf("  [gray]Advertising:[white] [yellow]%s[white]\n", d.localName)
	text += "  [gray]Service:[white]     Fitness Machine (0x1826)\n"
	text += fmt.Sprintf("  [gray]Interval:[white]    %s\n\n", d.engine.BroadcastPeriod())

	if frame == nil {
		text += "  [gray]No frames sent yet[white]\n"
	} else {
		text += fmt.Sprintf("  [gray]Frames sent:[white] %d\n", d.frameCount)
		text += fmt.Sprintf("  [gray]Last frame:[white]  [yellow]%X[white]\n", frame)
	}

	d.broadcastPanel.SetText(text)
}

// readFromLogChannel reads log lines from the channel into the ring buffer
// behind the log tail
func (d *Dashboard) readFromLogChannel(logChan <-chan string) {
	for {
		select {
		case <-d.ctx.Done():
			return
		case line, ok := <-logChan:
			if !ok {
				return
			}

			d.logMu.Lock()
			d.logLines = append(d.logLines, line)
			if len(d.logLines) > maxLogLines {
				d.logLines = d.logLines[len(d.logLines)-maxLogLines:]
			}
			d.logMu.Unlock()

			d.updateLogDisplay()
			d.app.Draw()
		}
	}
}

// updateLogDisplay rewrites the log view with the tail that fits its
// current height
func (d *Dashboard) updateLogDisplay() {
	_, _, _, height := d.logView.GetInnerRect()
	if height <= 0 {
		return
	}

	lines := d.logTail(height)

	d.logView.Clear()
	for _, line := range lines {
		fmt.Fprint(d.logView, line)
	}
}

// logTail returns the last n log lines
func (d *Dashboard) logTail(n int) []string {
	d.logMu.RLock()
	defer d.logMu.RUnlock()

	if n <= 0 {
		return nil
	}
	if n >= len(d.logLines) {
		result := make([]string, len(d.logLines))
		copy(result, d.logLines)
		return result
	}
	result := make([]string, n)
	copy(result, d.logLines[len(d.logLines)-n:])
	return result
}

func (d *Dashboard) monitorLogResize() {
	var lastHeight int
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			_, _, _, height := d.logView.GetInnerRect()
			if height != lastHeight && height > 0 {
				lastHeight = height
				d.updateLogDisplay()
				d.app.Draw()
			}
		}
	}
}

// Run starts the UI and blocks until the user quits
func (d *Dashboard) Run() error {
	// SetRoot must be called before setting focus, otherwise focus may be
	// reset
	d.app.SetRoot(d.mainFlex, true)
	d.setFocusForCurrentMode()
	return d.app.Run()
}

// Shutdown stops all listener goroutines and waits for them to finish
func (d *Dashboard) Shutdown() {
	d.logger.Println("Dashboard: shutting down")
	d.cancel()
	d.wg.Wait()
	d.logger.Println("Dashboard: shutdown complete")
}
