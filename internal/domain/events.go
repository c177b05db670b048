package domain

// Event types emitted by the domain services that write into the outbox. The
// name identifies the payload schema the subscriber should decode.
const (
	EventTransactionRecorded  = "accounting.transaction.recorded"
	EventStatementGenerated   = "accounting.statement.generated"
	EventCalendarEntryCreated = "calendar.entry.created"
	EventCalendarEntryMoved   = "calendar.entry.moved"
	EventProjectCreated       = "projects.project.created"
	EventProjectTaskCompleted = "projects.task.completed"
	EventSkillPracticeLogged  = "skills.practice.logged"
	EventContactInteraction   = "relationships.interaction.logged"
)
