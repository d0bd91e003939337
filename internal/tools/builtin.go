package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/EduMMorenolp/argenteia/internal/config"
	"github.com/EduMMorenolp/argenteia/internal/httpkit"
	"github.com/EduMMorenolp/argenteia/internal/scheduler"
)

const defaultWeatherBaseURL = "https://api.open-meteo.com/v1"
const geocodingBaseURL = "https://geocoding-api.open-meteo.com/v1"

// BuiltinDeps carries the collaborators the built-in tools need. Nil
// fields disable the corresponding tools through their enablement
// predicates.
type BuiltinDeps struct {
	Config    *config.Config
	Scheduler *scheduler.Scheduler
	// HTTPClient overrides the shared client, used by tests.
	HTTPClient *http.Client
}

// RegisterBuiltins installs the built-in tool set. Must run at startup,
// before any conversation begins.
func RegisterBuiltins(r *Registry, deps BuiltinDeps) {
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = httpkit.NewClient(httpkit.WithTimeout(15 * time.Second))
	}

	r.Register(&Tool{
		Name:        "get_time",
		Description: "Get the current date and time, optionally in a specific IANA timezone (e.g. Asia/Tokyo, Europe/Madrid).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{
					"type":        "string",
					"description": "IANA timezone name. Defaults to the server's local timezone.",
				},
			},
		},
		Handler: handleGetTime,
	})

	weatherBase := defaultWeatherBaseURL
	if deps.Config != nil && deps.Config.Weather.BaseURL != "" {
		weatherBase = deps.Config.Weather.BaseURL
	}
	r.Register(&Tool{
		Name:        "get_weather",
		Description: "Get the current weather for a location. Use the city name (e.g. Madrid, Buenos Aires).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"location": map[string]any{
					"type":        "string",
					"description": "City name to look up.",
				},
			},
			"required": []string{"location"},
		},
		Enabled: func() bool {
			return deps.Config != nil && deps.Config.Weather.Enabled
		},
		Handler: weatherHandler(httpClient, weatherBase),
	})

	schedulerEnabled := func() bool {
		return deps.Scheduler != nil && deps.Config != nil && deps.Config.Scheduler.Enabled
	}

	r.Register(&Tool{
		Name:        "schedule_task",
		Description: "Schedule a reminder or recurring action. Use for 'remind me', delayed actions, or periodic check-ins.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Short human-readable name for the task.",
				},
				"when": map[string]any{
					"type":        "string",
					"description": "When to run: a duration ('30m', '2h'), 'in 30 minutes', an RFC3339 timestamp, a time like '15:04', or a cron expression ('0 9 * * 1-5').",
				},
				"message": map[string]any{
					"type":        "string",
					"description": "What the assistant should do or say when the task fires.",
				},
			},
			"required": []string{"name", "when", "message"},
		},
		Enabled: schedulerEnabled,
		Handler: scheduleTaskHandler(deps.Scheduler),
	})

	r.Register(&Tool{
		Name:        "list_tasks",
		Description: "List scheduled reminders and tasks.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"all": map[string]any{
					"type":        "boolean",
					"description": "Include disabled (already fired) tasks. Default false.",
				},
			},
		},
		Enabled: schedulerEnabled,
		Handler: listTasksHandler(deps.Scheduler),
	})

	r.Register(&Tool{
		Name:        "cancel_task",
		Description: "Cancel a scheduled reminder or task by id (a unique prefix is enough).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{
					"type":        "string",
					"description": "The task id to cancel.",
				},
			},
			"required": []string{"task_id"},
		},
		Enabled: schedulerEnabled,
		Handler: cancelTaskHandler(deps.Scheduler),
	})
}

func handleGetTime(ctx context.Context, args map[string]any) (string, error) {
	loc := time.Local
	if tz, _ := args["timezone"].(string); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", tz)
		}
		loc = l
	}

	now := time.Now().In(loc)
	return fmt.Sprintf("%s (%s)", now.Format("Monday, 2 January 2006 15:04:05"), loc.String()), nil
}

func weatherHandler(client *http.Client, baseURL string) Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		location, _ := args["location"].(string)
		if location == "" {
			return "", fmt.Errorf("location is required")
		}

		lat, lon, name, err := geocode(ctx, client, location)
		if err != nil {
			return "", err
		}

		u := fmt.Sprintf("%s/forecast?latitude=%.4f&longitude=%.4f&current=temperature_2m,relative_humidity_2m,weather_code,wind_speed_10m",
			strings.TrimSuffix(baseURL, "/"), lat, lon)
		req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
		if err != nil {
			return "", err
		}
		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("weather request failed: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("weather API error %d", resp.StatusCode)
		}

		var result struct {
			Current struct {
				Temperature float64 `json:"temperature_2m"`
				Humidity    float64 `json:"relative_humidity_2m"`
				WeatherCode int     `json:"weather_code"`
				WindSpeed   float64 `json:"wind_speed_10m"`
			} `json:"current"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return "", fmt.Errorf("decode weather response: %w", err)
		}

		c := result.Current
		return fmt.Sprintf("Weather in %s: %s, %.1f°C, humidity %.0f%%, wind %.0f km/h",
			name, describeWeatherCode(c.WeatherCode), c.Temperature, c.Humidity, c.WindSpeed), nil
	}
}

// geocode resolves a city name to coordinates via the geocoding API.
func geocode(ctx context.Context, client *http.Client, location string) (lat, lon float64, name string, err error) {
	u := fmt.Sprintf("%s/search?name=%s&count=1", geocodingBaseURL, url.QueryEscape(location))
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return 0, 0, "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, 0, "", fmt.Errorf("geocoding request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, 0, "", fmt.Errorf("geocoding API error %d", resp.StatusCode)
	}

	var result struct {
		Results []struct {
			Name      string  `json:"name"`
			Country   string  `json:"country"`
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, 0, "", fmt.Errorf("decode geocoding response: %w", err)
	}
	if len(result.Results) == 0 {
		return 0, 0, "", fmt.Errorf("no location found for %q", location)
	}

	r := result.Results[0]
	return r.Latitude, r.Longitude, fmt.Sprintf("%s, %s", r.Name, r.Country), nil
}

// describeWeatherCode maps WMO weather codes to short descriptions.
func describeWeatherCode(code int) string {
	switch {
	case code == 0:
		return "clear sky"
	case code <= 3:
		return "partly cloudy"
	case code <= 48:
		return "fog"
	case code <= 57:
		return "drizzle"
	case code <= 67:
		return "rain"
	case code <= 77:
		return "snow"
	case code <= 82:
		return "rain showers"
	case code <= 86:
		return "snow showers"
	default:
		return "thunderstorm"
	}
}

func scheduleTaskHandler(sched *scheduler.Scheduler) Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		name, _ := args["name"].(string)
		when, _ := args["when"].(string)
		message, _ := args["message"].(string)
		if name == "" || when == "" || message == "" {
			return "", fmt.Errorf("name, when, and message are required")
		}

		task := &scheduler.Task{
			Name:           name,
			Message:        message,
			ConversationID: ConversationIDFromContext(ctx),
			Enabled:        true,
			CreatedBy:      "agent",
		}
		if hints := HintsFromContext(ctx); hints != nil {
			task.Origin = hints["origin"]
			task.ChatID = hints["chat_id"]
		}

		cronExpr, at, err := parseWhen(when)
		if err != nil {
			return "", fmt.Errorf("invalid schedule: %w", err)
		}
		task.Cron = cronExpr
		task.At = at

		if err := sched.CreateTask(task); err != nil {
			return "", err
		}

		if task.Recurring() {
			return fmt.Sprintf("Task %q scheduled (ID: %s), cron %q.", name, task.ID[:8], task.Cron), nil
		}
		return fmt.Sprintf("Task %q scheduled (ID: %s) for %s.", name, task.ID[:8], task.At.Format(time.RFC3339)), nil
	}
}

func listTasksHandler(sched *scheduler.Scheduler) Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		all, _ := args["all"].(bool)
		tasks, err := sched.ListTasks(!all)
		if err != nil {
			return "", err
		}
		if len(tasks) == 0 {
			return "No scheduled tasks.", nil
		}

		var b strings.Builder
		fmt.Fprintf(&b, "Found %d task(s):\n", len(tasks))
		for _, t := range tasks {
			status := "enabled"
			if !t.Enabled {
				status = "disabled"
			}
			fmt.Fprintf(&b, "- %s (%s): %s", t.Name, t.ID[:8], status)
			if t.Recurring() {
				fmt.Fprintf(&b, ", cron %q", t.Cron)
			} else if t.At != nil {
				fmt.Fprintf(&b, ", fires %s", t.At.Format("2006-01-02 15:04"))
			}
			b.WriteString("\n")
		}
		return b.String(), nil
	}
}

func cancelTaskHandler(sched *scheduler.Scheduler) Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		taskID, _ := args["task_id"].(string)
		if taskID == "" {
			return "", fmt.Errorf("task_id is required")
		}
		if err := sched.DeleteTask(taskID); err != nil {
			return "", err
		}
		return fmt.Sprintf("Task %s cancelled.", taskID), nil
	}
}

// parseWhen converts a human-friendly time specification into either a
// cron expression or a one-shot fire time.
func parseWhen(when string) (string, *time.Time, error) {
	now := time.Now()
	trimmed := strings.TrimSpace(when)

	// A five-field expression or @descriptor is cron.
	if strings.HasPrefix(trimmed, "@") || len(strings.Fields(trimmed)) == 5 {
		return trimmed, nil, nil
	}

	// Duration: "30m", "2h"
	if dur, err := time.ParseDuration(trimmed); err == nil {
		at := now.Add(dur)
		return "", &at, nil
	}

	// "in 30 minutes"
	if strings.HasPrefix(strings.ToLower(trimmed), "in ") {
		if dur, err := parseHumanDuration(strings.TrimPrefix(strings.ToLower(trimmed), "in ")); err == nil {
			at := now.Add(dur)
			return "", &at, nil
		}
	}

	// RFC3339 timestamp
	if t, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return "", &t, nil
	}

	// Common date and time-of-day formats
	formats := []string{"2006-01-02 15:04", "2006-01-02T15:04", "15:04", "3:04pm", "3:04 pm"}
	for _, format := range formats {
		t, err := time.Parse(format, trimmed)
		if err != nil {
			continue
		}
		if format == "15:04" || format == "3:04pm" || format == "3:04 pm" {
			t = time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
			// A time already past today means tomorrow.
			if t.Before(now) {
				t = t.Add(24 * time.Hour)
			}
		}
		return "", &t, nil
	}

	return "", nil, fmt.Errorf("could not parse time: %s", when)
}

func parseHumanDuration(s string) (time.Duration, error) {
	parts := strings.Fields(strings.TrimSpace(s))
	if len(parts) < 2 {
		return 0, fmt.Errorf("expected '<number> <unit>'")
	}

	var num int
	if _, err := fmt.Sscanf(parts[0], "%d", &num); err != nil {
		return 0, err
	}

	unit := strings.ToLower(parts[1])
	switch {
	case strings.HasPrefix(unit, "second"), strings.HasPrefix(unit, "segundo"):
		return time.Duration(num) * time.Second, nil
	case strings.HasPrefix(unit, "minute"), strings.HasPrefix(unit, "minuto"):
		return time.Duration(num) * time.Minute, nil
	case strings.HasPrefix(unit, "hour"), strings.HasPrefix(unit, "hora"):
		return time.Duration(num) * time.Hour, nil
	case strings.HasPrefix(unit, "day"), strings.HasPrefix(unit, "día"), strings.HasPrefix(unit, "dia"):
		return time.Duration(num) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown unit: %s", unit)
	}
}
